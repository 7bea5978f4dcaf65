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

// The party command serves the party HTTP API. Membership changes are
// announced on the party subject for the router to fan out.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/party"
	"github.com/beebs-dev/dorch/pkg/sock"
	"github.com/beebs-dev/dorch/pkg/util"
)

func main() {
	klog.InitFlags(nil)
	var (
		port     = flag.Int("port", util.EnvOrInt("PORT", 8080), "listen port")
		redisURL = flag.String("redis", util.EnvOr("REDIS_URL", "redis://localhost:6379"), "redis URL")
		natsURL  = flag.String("nats-url", util.EnvOr("NATS_URL", nats.DefaultURL), "broker URL")
		endpoint = flag.String("keycloak-endpoint", os.Getenv("KEYCLOAK_ENDPOINT"), "keycloak base URL")
		realm    = flag.String("keycloak-realm", util.EnvOr("KEYCLOAK_REALM", "dorch"), "keycloak realm")
		clientID = flag.String("keycloak-client-id", util.EnvOr("KEYCLOAK_CLIENT_ID", "dorch"), "keycloak client id, doubles as the expected audience")
	)
	flag.Parse()

	if *endpoint == "" {
		klog.Fatal("KEYCLOAK_ENDPOINT is required")
	}

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

	validator := sock.NewKeycloakValidator(*endpoint, *realm, *clientID)
	klog.Infof("using keycloak issuer %s, audience %s", validator.Issuer, validator.Audience)

	srv := &party.Server{
		Store:     party.NewStore(rdb),
		Pub:       nc,
		Validator: validator,
	}
	if err := srv.Run(ctx, fmt.Sprintf(":%d", *port)); err != nil {
		klog.Fatalf("party server failed: %v", err)
	}
}
