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

// The sock command runs the websocket gateway.
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
	"github.com/beebs-dev/dorch/pkg/ratelimit"
	"github.com/beebs-dev/dorch/pkg/sock"
	"github.com/beebs-dev/dorch/pkg/streams"
	"github.com/beebs-dev/dorch/pkg/util"
)

// natsSubscriber adapts a NATS connection to the gateway's per-session
// subscription interface.
type natsSubscriber struct {
	nc *nats.Conn
}

func (s *natsSubscriber) Subscribe(subject string) (<-chan []byte, func(), error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case <-done:
					return
				case out <- msg.Data:
				}
			}
		}
	}()
	stop := func() {
		_ = sub.Unsubscribe()
		close(done)
	}
	return out, stop, nil
}

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

	broadcaster := sock.NewBroadcaster()
	go func() {
		if err := broadcaster.Run(ctx, rdb, streams.MasterChannel); err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "master broadcast pump stopped")
		}
	}()

	handshakes := sock.NewHandshakeStore(rdb)
	server := &sock.Server{
		Handshakes:  handshakes,
		Auth:        &sock.Authenticator{Store: handshakes, Validator: validator},
		Validator:   validator,
		Publisher:   nc,
		Subscriber:  &natsSubscriber{nc: nc},
		Parties:     party.NewStore(rdb),
		Limiter:     ratelimit.NewWithDefaults(rdb),
		Broadcaster: broadcaster,
	}
	if err := server.Run(ctx, fmt.Sprintf(":%d", *port)); err != nil {
		klog.Fatalf("gateway failed: %v", err)
	}
}
