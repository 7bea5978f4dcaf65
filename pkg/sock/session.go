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

package sock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/streams"
)

const (
	// pingTimeout is how long a session may go without a pong before
	// the watchdog tears it down.
	pingTimeout = 5 * time.Minute
	writeWait   = 10 * time.Second
	sendBuffer  = 100
)

// pingInterval derives the application ping cadence from the liveness
// timeout, floored at ten seconds.
func pingInterval() time.Duration {
	interval := pingTimeout / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	return interval
}

// Publisher sends a payload to a broker subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PartyResolver reports which party a user currently belongs to.
type PartyResolver interface {
	CurrentParty(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
}

// Limiter gates publishable inbound messages per user.
type Limiter interface {
	Check(ctx context.Context, key string) bool
}

// Session is one authenticated websocket connection. It merges the
// user's transient subject and the process-wide master broadcast into
// the outbound stream and publishes the client's party traffic.
type Session struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
	ConnID   uuid.UUID

	Conn      *websocket.Conn
	Publisher Publisher
	Parties   PartyResolver
	Limiter   Limiter

	// Transients carries payloads from the user's broker subject.
	Transients <-chan []byte
	// Master carries process-wide broadcasts.
	Master <-chan []byte

	send                 chan []byte
	lastPong             atomic.Int64
	enableSelfTransients atomic.Bool
}

// Run drives the session until the connection drops, the watchdog
// fires, or ctx is canceled. The connection is closed on return.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.send = make(chan []byte, sendBuffer)
	s.lastPong.Store(time.Now().UnixMilli())
	s.Conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixMilli())
		return nil
	})

	klog.InfoS("websocket client connected",
		"userID", s.UserID, "deviceID", s.DeviceID, "connID", s.ConnID)
	start := time.Now()

	errc := make(chan error, 4)
	go func() { errc <- s.readPump(ctx) }()
	go func() { errc <- s.writePump(ctx) }()
	go func() { errc <- s.proxyPump(ctx) }()
	go func() { errc <- s.watchdog(ctx) }()

	err := <-errc
	cancel()
	// Closing the connection unblocks the read pump.
	_ = s.Conn.Close()
	for i := 0; i < 3; i++ {
		<-errc
	}

	klog.InfoS("websocket client disconnected",
		"userID", s.UserID, "deviceID", s.DeviceID, "connID", s.ConnID,
		"uptime", time.Since(start))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readPump receives client frames and dispatches decoded messages.
func (s *Session) readPump(ctx context.Context) error {
	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if err := s.handleInbound(ctx, raw); err != nil {
			return fmt.Errorf("handle inbound message: %w", err)
		}
	}
}

// writePump owns all writes to the connection: outbound payloads and
// the periodic application ping.
func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case payload := <-s.send:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
}

// proxyPump merges the master broadcast and the user's transient
// subject into the outbound channel, gating self-sent transients.
func (s *Session) proxyPump(ctx context.Context) error {
	for {
		var payload []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.Master:
			if !ok {
				return errors.New("master stream closed")
			}
			payload = msg
		case msg, ok := <-s.Transients:
			if !ok {
				return errors.New("transient stream closed")
			}
			if suppressSelfTransient(msg, s.UserID, s.enableSelfTransients.Load()) {
				continue
			}
			payload = msg
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.send <- payload:
		}
	}
}

// watchdog cancels the session when the client stops answering pings.
func (s *Session) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(pingTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			idle := time.Since(time.UnixMilli(s.lastPong.Load()))
			if idle < pingTimeout {
				continue
			}
			klog.InfoS("websocket connection timed out due to inactivity",
				"userID", s.UserID, "deviceID", s.DeviceID, "connID", s.ConnID, "idle", idle)
			return fmt.Errorf("connection idle for %s", idle)
		}
	}
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type messageData struct {
	PartyID uuid.UUID `json:"party_id"`
	Content string    `json:"content"`
}

func (s *Session) handleInbound(ctx context.Context, raw []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case "pong":
		s.lastPong.Store(time.Now().UnixMilli())
		return nil
	case "enable_self_transients":
		s.enableSelfTransients.Store(true)
		klog.V(2).InfoS("enabled proxying of self-sent transients",
			"userID", s.UserID, "deviceID", s.DeviceID)
		return nil
	case "typing":
		return s.publishNotify(ctx, streams.TypeTyping)
	case "stop_typing":
		return s.publishNotify(ctx, streams.TypeStopTyping)
	case "message":
		var data messageData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("decode message data: %w", err)
		}
		return s.publishMessage(ctx, data.PartyID, data.Content)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// allowed applies the per-user rate limit to publishable messages.
func (s *Session) allowed(ctx context.Context) bool {
	if s.Limiter == nil {
		return true
	}
	if !s.Limiter.Check(ctx, s.UserID.String()) {
		klog.V(2).InfoS("rate limited inbound message", "userID", s.UserID)
		return false
	}
	return true
}

func (s *Session) publishNotify(ctx context.Context, t streams.MessageType) error {
	if !s.allowed(ctx) {
		return nil
	}
	partyID, ok, err := s.Parties.CurrentParty(ctx, s.UserID)
	if err != nil {
		return fmt.Errorf("resolve current party: %w", err)
	}
	if !ok {
		return errors.New("no party associated with this connection")
	}
	payload := NotifyPayload(t, partyID, s.UserID)
	if err := s.Publisher.Publish(streams.PartySubject(partyID.String()), payload); err != nil {
		return fmt.Errorf("publish %s notification: %w", t, err)
	}
	return nil
}

func (s *Session) publishMessage(ctx context.Context, partyID uuid.UUID, content string) error {
	if !s.allowed(ctx) {
		return nil
	}
	current, ok, err := s.Parties.CurrentParty(ctx, s.UserID)
	if err != nil {
		return fmt.Errorf("resolve current party: %w", err)
	}
	if !ok || current != partyID {
		return errors.New("invalid party id for this connection")
	}
	klog.V(2).InfoS("user sent message", "userID", s.UserID, "partyID", partyID)
	payload := MessagePayload(partyID, s.UserID, content)
	if err := s.Publisher.Publish(streams.PartySubject(partyID.String()), payload); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}
