/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/users"
	"github.com/beebs-dev/dorch/pkg/util"
	"github.com/beebs-dev/dorch/pkg/zandronum"
)

func main() {
	klog.InitFlags(nil)
	var redisURL string
	var port int
	flag.StringVar(&redisURL, "redis", util.EnvOr("REDIS_URL", "redis://localhost:6379"), "Redis connection URL.")
	// Zandronum's default authhostname is auth.zandronum.com:16666.
	flag.IntVar(&port, "port", util.EnvOrInt("ZANDRONUM_AUTH_PORT", 16666), "UDP port for the Zandronum auth protocol.")
	flag.Parse()

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		klog.Errorf("invalid redis url: %v", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		klog.Errorf("failed to bind udp :%d: %v", port, err)
		os.Exit(1)
	}

	store := users.NewStore(rdb)
	srv := zandronum.NewServer(store, store)

	ctx := ctrl.SetupSignalHandler()
	klog.Infof("Auth server listening on udp :%d", port)
	if err := srv.Run(ctx, conn); err != nil {
		klog.Errorf("auth server failed: %v", err)
		os.Exit(1)
	}
	klog.Info("Auth server shut down gracefully")
}
