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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/livekit/protocol/auth"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/beebs-dev/dorch/pkg/proxy"
	"github.com/beebs-dev/dorch/pkg/util"
)

// roomPublisher publishes datagrams into the mesh room, addressed to a
// single participant on their udp topic.
type roomPublisher struct {
	room *lksdk.Room
}

func (p *roomPublisher) PublishData(identity string, payload []byte, reliable bool) error {
	return p.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishTopic(fmt.Sprintf("udp:%s", identity)),
		lksdk.WithDataPublishDestination([]string{identity}),
		lksdk.WithDataPublishReliable(reliable),
	)
}

func main() {
	klog.InitFlags(nil)
	var (
		gamePort = flag.Int("game-port", util.EnvOrInt("GAME_PORT", 2342), "UDP port of the in-pod game server")
		gameID   = flag.String("game-id", os.Getenv("GAME_ID"), "mesh room name (the game id)")
		url      = flag.String("livekit-url", os.Getenv("LIVEKIT_URL"), "mesh server URL")
	)
	flag.Parse()

	if *gameID == "" {
		klog.Fatal("GAME_ID is required")
	}
	apiKey := os.Getenv("LIVEKIT_API_KEY")
	apiSecret := os.Getenv("LIVEKIT_API_SECRET")
	if *url == "" || apiKey == "" || apiSecret == "" {
		klog.Fatal("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required")
	}

	ctx, cancel := context.WithCancel(ctrl.SetupSignalHandler())
	defer cancel()

	srv := proxy.NewServer(proxy.Config{
		GamePort: *gamePort,
		Debug:    os.Getenv("DEBUG_UDP") == "1",
	}, nil)

	cb := &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			if err := srv.HandleParticipantConnected(ctx, rp.Identity()); err != nil {
				klog.Errorf("failed to set up session for %s: %v", rp.Identity(), err)
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			srv.HandleParticipantDisconnected(rp.Identity())
		},
		OnDisconnected: func() {
			klog.Error("disconnected from mesh room")
			cancel()
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				user, ok := data.(*lksdk.UserDataPacket)
				if !ok {
					return
				}
				if err := srv.HandleData(ctx, params.SenderIdentity, user.Topic, user.Payload); err != nil {
					klog.Errorf("failed to relay data from %s: %v", params.SenderIdentity, err)
				}
			},
		},
	}

	token, err := auth.NewAccessToken(apiKey, apiSecret).
		AddGrant(&auth.VideoGrant{RoomJoin: true, Room: *gameID}).
		SetIdentity("server").
		ToJWT()
	if err != nil {
		klog.Fatalf("failed to mint room token: %v", err)
	}
	room, err := lksdk.ConnectToRoomWithToken(*url, token, cb)
	if err != nil {
		klog.Fatalf("failed to connect to mesh room: %v", err)
	}
	defer room.Disconnect()
	srv.SetPublisher(&roomPublisher{room: room})

	klog.Infof("relaying game %s on udp port %d", *gameID, *gamePort)
	if err := srv.Run(ctx); err != nil {
		klog.Fatalf("relay failed: %v", err)
	}
}
