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
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/analyzer"
	"github.com/beebs-dev/dorch/pkg/dispatch"
	"github.com/beebs-dev/dorch/pkg/redislock"
	"github.com/beebs-dev/dorch/pkg/streams"
	"github.com/beebs-dev/dorch/pkg/util"
	"github.com/beebs-dev/dorch/pkg/wadinfo"
)

func main() {
	klog.InitFlags(nil)
	var (
		workerKind = flag.String("worker", "wad", "analysis worker: wad or map")
		endpoint   = flag.String("endpoint", os.Getenv("ENDPOINT"), "content service endpoint")
		redisURL   = flag.String("redis", util.EnvOr("REDIS_URL", "redis://localhost:6379"), "redis URL")
		natsURL    = flag.String("nats-url", util.EnvOr("NATS_URL", nats.DefaultURL), "broker URL")
		model      = flag.String("model", util.EnvOr("MODEL", "gpt-4.1-mini"), "model name")
	)
	flag.Parse()

	if *endpoint == "" {
		klog.Fatal("ENDPOINT is required")
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		klog.Fatal("OPENAI_API_KEY is required")
	}

	ctx := ctrl.SetupSignalHandler()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		klog.Fatalf("invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close() //nolint:errcheck
	locker := redislock.NewLocker(rdb)

	nc, err := nats.Connect(*natsURL,
		nats.UserInfo(os.Getenv("NATS_USER"), os.Getenv("NATS_PASSWORD")))
	if err != nil {
		klog.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Drain() //nolint:errcheck

	js, err := nc.JetStream()
	if err != nil {
		klog.Fatalf("failed to create JetStream context: %v", err)
	}

	store := wadinfo.NewClient(*endpoint)

	var (
		worker  analyzer.Worker
		prompt  string
		stream  string
		durable string
		filter  string
	)
	switch *workerKind {
	case "wad":
		worker = analyzer.NewWadWorker(store, dispatch.NewJetStreamPublisher(js), locker)
		prompt = analyzer.WadSystemPrompt
		stream = streams.StreamWadAnalysis
		durable = "wad_analyzer"
		filter = "dorch.wad.*.analysis"
	case "map":
		worker = analyzer.NewMapWorker(store, locker)
		prompt = analyzer.MapSystemPrompt
		stream = streams.StreamMapAnalysis
		durable = "map_analyzer"
		filter = "dorch.wad.*.map.*.analysis"
	default:
		klog.Fatalf("unknown worker %q", *workerKind)
	}

	ai, err := analyzer.New(prompt, *model, apiKey, os.Getenv("OPENAI_BASE_URL"))
	if err != nil {
		klog.Fatalf("failed to create analyzer: %v", err)
	}

	sub, err := js.PullSubscribe(filter, durable,
		nats.BindStream(stream),
		nats.AckExplicit(),
		nats.AckWait(60*time.Second),
		nats.MaxDeliver(-1),
	)
	if err != nil {
		klog.Fatalf("failed to subscribe to %s (did the bootstrap job run?): %v", stream, err)
	}

	klog.Infof("starting %s analyzer: endpoint=%s model=%s", *workerKind, *endpoint, *model)
	if err := analyzer.NewApp(ai, worker).Run(ctx, sub); err != nil {
		klog.Fatalf("analyzer failed: %v", err)
	}
}
