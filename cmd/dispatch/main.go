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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/dispatch"
	"github.com/beebs-dev/dorch/pkg/streams"
	"github.com/beebs-dev/dorch/pkg/util"
)

func main() {
	klog.InitFlags(nil)
	var (
		pipelineName = flag.String("pipeline", "analysis", "dispatch pipeline: analysis or images")
		postgresURL  = flag.String("postgres-url", util.EnvOr("POSTGRES_URL", ""), "postgres connection string")
		natsURL      = flag.String("nats-url", util.EnvOr("NATS_URL", nats.DefaultURL), "broker URL")
	)
	flag.Parse()

	if *postgresURL == "" {
		klog.Fatal("POSTGRES_URL is required")
	}

	ctx := ctrl.SetupSignalHandler()

	pool, err := pgxpool.New(ctx, *postgresURL)
	if err != nil {
		klog.Fatalf("failed to create postgres pool: %v", err)
	}
	defer pool.Close()

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

	var (
		store    dispatch.Store
		pipeline dispatch.Pipeline
	)
	switch *pipelineName {
	case "analysis":
		store = dispatch.NewAnalysisStore(pool)
		pipeline = dispatch.Pipeline{
			Name:    "analysis",
			Subject: streams.WadAnalysisSubject,
			MsgID:   streams.WadAnalysisMsgID,
		}
	case "images":
		store = dispatch.NewImagesStore(pool)
		pipeline = dispatch.Pipeline{
			Name:    "images",
			Subject: streams.ImagesSubject,
			MsgID:   streams.ImagesMsgID,
		}
	default:
		klog.Fatalf("unknown pipeline %q", *pipelineName)
	}

	klog.Infof("starting %s dispatcher", pipeline.Name)
	poller := dispatch.NewPoller(store, dispatch.NewJetStreamPublisher(js), pipeline)
	if err := poller.Run(ctx); err != nil {
		klog.Fatalf("dispatcher failed: %v", err)
	}
}
