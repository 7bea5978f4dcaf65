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

// Package proxy relays game traffic between a mesh room and the game
// server's UDP port inside the same pod. Each participant gets its own
// loopback socket so the game server sees one peer address per player.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const (
	perPlayerQueue = 256
	meshQueue      = 1024
	maxDatagram    = 2048

	// Data published for a participant younger than this uses reliable
	// delivery; afterwards lossy, to avoid head-of-line blocking.
	reliableWindow = 5 * time.Second
)

// disconnectPacket is fabricated toward the game server when a
// participant leaves, so the game notices the player is gone.
var disconnectPacket = []byte{0x00, 0xd9}

// Publisher sends a payload to one participant over the mesh.
type Publisher interface {
	PublishData(identity string, payload []byte, reliable bool) error
}

// Config for the relay.
type Config struct {
	GamePort int
	Debug    bool
}

type meshPacket struct {
	identity string
	payload  []byte
}

type playerSession struct {
	cancel    context.CancelFunc
	sendToUDP chan []byte
	conn      *net.UDPConn
	createdAt time.Time
	wg        sync.WaitGroup
}

// Server owns the per-participant sessions and the single publisher
// drain. Room events are fed in via the Handle* methods.
type Server struct {
	cfg Config
	pub Publisher

	mu       sync.Mutex
	sessions map[string]*playerSession

	udpToMesh chan meshPacket
}

func NewServer(cfg Config, pub Publisher) *Server {
	return &Server{
		cfg:       cfg,
		pub:       pub,
		sessions:  make(map[string]*playerSession),
		udpToMesh: make(chan meshPacket, meshQueue),
	}
}

// SetPublisher installs the mesh publisher. Room callbacks need the
// Server before the room handle exists, so this runs after connect and
// must happen before Run.
func (s *Server) SetPublisher(pub Publisher) {
	s.pub = pub
}

// Run drains the shared UDP→mesh channel, publishing each datagram to its
// participant. It returns when ctx is canceled or a publish fails; all
// sessions are torn down on exit.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-s.udpToMesh:
			reliable := true
			s.mu.Lock()
			if sess, ok := s.sessions[pkt.identity]; ok {
				reliable = time.Since(sess.createdAt) < reliableWindow
			}
			s.mu.Unlock()
			if err := s.pub.PublishData(pkt.identity, pkt.payload, reliable); err != nil {
				return fmt.Errorf("publish to mesh for %s: %w", pkt.identity, err)
			}
		}
	}
}

// HandleParticipantConnected sets up the player's UDP session.
func (s *Server) HandleParticipantConnected(ctx context.Context, identity string) error {
	_, err := s.ensureSession(ctx, identity)
	if err == nil {
		klog.Infof("participant connected: %s", identity)
	}
	return err
}

// HandleParticipantDisconnected tears the session down and nudges the
// game server with a fabricated disconnect packet.
func (s *Server) HandleParticipantDisconnected(identity string) {
	s.mu.Lock()
	sess, ok := s.sessions[identity]
	delete(s.sessions, identity)
	s.mu.Unlock()
	if !ok {
		return
	}
	klog.Infof("participant disconnected: %s", identity)
	sess.cancel()
	if _, err := sess.conn.Write(disconnectPacket); err != nil {
		klog.Errorf("failed to send disconnect packet for %s: %v", identity, err)
	}
	_ = sess.conn.Close()
	sess.wg.Wait()
}

// HandleData forwards a mesh payload to the player's UDP socket. An empty
// topic is treated as "udp"; any other topic is ignored.
func (s *Server) HandleData(ctx context.Context, identity, topic string, payload []byte) error {
	if topic != "" && topic != "udp" {
		return nil
	}
	if s.cfg.Debug {
		klog.Infof("mesh data: from=%s topic=%q len=%d", identity, topic, len(payload))
	}
	sess, err := s.ensureSession(ctx, identity)
	if err != nil {
		return err
	}
	select {
	case sess.sendToUDP <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ensureSession(ctx context.Context, identity string) (*playerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[identity]; ok {
		return sess, nil
	}

	gameAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.cfg.GamePort}
	// Bind explicitly to loopback; the game server is in the same pod.
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	conn, err := net.DialUDP("udp", local, gameAddr)
	if err != nil {
		return nil, fmt.Errorf("bind UDP socket for %s: %w", identity, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &playerSession{
		cancel:    cancel,
		sendToUDP: make(chan []byte, perPlayerQueue),
		conn:      conn,
		createdAt: time.Now(),
	}
	sess.wg.Add(2)
	go s.playerUDPSender(sessCtx, sess)
	go s.playerUDPReceiver(sessCtx, sess, identity)

	s.sessions[identity] = sess
	klog.Infof("created per-player UDP session: %s udp_local=%s udp_peer=%s", identity, conn.LocalAddr(), gameAddr)
	return sess, nil
}

func (s *Server) playerUDPSender(ctx context.Context, sess *playerSession) {
	defer sess.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-sess.sendToUDP:
			if s.cfg.Debug {
				klog.Infof("udp send: dst=%s len=%d", sess.conn.RemoteAddr(), len(buf))
			}
			if _, err := sess.conn.Write(buf); err != nil {
				klog.Errorf("failed to send UDP packet: %v", err)
				return
			}
		}
	}
}

func (s *Server) playerUDPReceiver(ctx context.Context, sess *playerSession, identity string) {
	defer sess.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				klog.Errorf("UDP receiver for %s failed: %v", identity, err)
			}
			return
		}
		if n == 0 {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case s.udpToMesh <- meshPacket{identity: identity, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*playerSession)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.cancel()
		_ = sess.conn.Close()
		sess.wg.Wait()
	}
}
