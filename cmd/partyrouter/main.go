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

// The partyrouter command fans party broadcasts out to each member's
// transient subject.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/party"
	"github.com/beebs-dev/dorch/pkg/util"
)

func main() {
	klog.InitFlags(nil)
	var (
		redisURL = flag.String("redis", util.EnvOr("REDIS_URL", "redis://localhost:6379"), "redis URL")
		natsURL  = flag.String("nats-url", util.EnvOr("NATS_URL", nats.DefaultURL), "broker URL")
	)
	flag.Parse()

	ctx := ctrl.SetupSignalHandler()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		klog.Fatalf("invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close() //nolint:errcheck

	nc, err := nats.Connect(*natsURL,
		nats.UserInfo(os.Getenv("NATS_USER"), os.Getenv("NATS_PASSWORD")))
	if err != nil {
		klog.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Drain() //nolint:errcheck

	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe("dorch.party.*", msgs)
	if err != nil {
		klog.Fatalf("failed to subscribe to party subjects: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck

	router := &party.Router{Store: party.NewStore(rdb), Pub: nc}
	klog.Info("starting party router")
	if err := router.Run(ctx, msgs); err != nil && !errors.Is(err, context.Canceled) {
		klog.Fatalf("party router failed: %v", err)
	}
}
