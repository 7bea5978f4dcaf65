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

// The master command serves the internal game info API. Game servers
// report their state here and every update is announced on the master
// channel for connected websocket clients.
package main

import (
	"flag"
	"fmt"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/gameinfo"
	"github.com/beebs-dev/dorch/pkg/util"
)

func main() {
	klog.InitFlags(nil)
	var (
		port     = flag.Int("port", 8080, "listen port")
		redisURL = flag.String("redis", util.EnvOr("REDIS_URL", "redis://localhost:6379"), "redis URL")
	)
	flag.Parse()

	ctx := ctrl.SetupSignalHandler()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		klog.Fatalf("invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close() //nolint:errcheck

	srv := &gameinfo.Server{Store: gameinfo.NewStore(rdb)}
	if err := srv.Run(ctx, fmt.Sprintf(":%d", *port)); err != nil {
		klog.Fatalf("game info server failed: %v", err)
	}
}
