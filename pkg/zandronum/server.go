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

package zandronum

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/users"
)

// AuthProtocolVersion is the only protocol revision this server speaks.
const AuthProtocolVersion uint8 = 2

const (
	serverAuthNegotiate uint32 = 0xD003CA01
	serverAuthSRPStep1  uint32 = 0xD003CA02
	serverAuthSRPStep3  uint32 = 0xD003CA03
	authServerNegotiate uint32 = 0xD003CA10
	authServerSRPStep2  uint32 = 0xD003CA20
	authServerSRPStep4  uint32 = 0xD003CA30
	authServerUserError uint32 = 0xD003CAFF
	authServerSessErr   uint32 = 0xD003CAEE
)

const (
	userTryLater         uint8 = 0
	userNoExist          uint8 = 1
	userOutdatedProtocol uint8 = 2
	userWillNotAuth      uint8 = 3

	sessionNoExist        uint8 = 1
	sessionVerifierUnsafe uint8 = 2
	sessionAuthFailed     uint8 = 3
)

const (
	maxPacket  = 2048
	sessionTTL = 30 * time.Second
)

// UserStore resolves usernames to SRP records. A (nil, nil) result means
// the user does not exist.
type UserStore interface {
	Get(ctx context.Context, username string) (*users.Record, error)
}

// TokenMinter issues a session token after a successful exchange.
type TokenMinter interface {
	MintToken(ctx context.Context, username string) (string, time.Duration, error)
}

type session struct {
	createdAt       time.Time
	clientSessionID uint32
	username        string
	srp             *ServerSession
}

// Server answers the Zandronum SRP handshake over UDP. The session table
// is swept lazily on each incoming packet; STEP3 removes its entry whether
// or not the proof verifies.
type Server struct {
	store  UserStore
	tokens TokenMinter

	mu       sync.Mutex
	sessions map[int32]*session
}

// NewServer builds a Server. tokens may be nil when no session tokens
// should be issued.
func NewServer(store UserStore, tokens TokenMinter) *Server {
	return &Server{
		store:    store,
		tokens:   tokens,
		sessions: make(map[int32]*session),
	}
}

// Run serves the auth protocol on conn until ctx is canceled.
func (s *Server) Run(ctx context.Context, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxPacket)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if resp := s.handlePacket(ctx, buf[:n], time.Now()); resp != nil {
			if _, err := conn.WriteTo(resp, peer); err != nil {
				klog.Errorf("auth: failed to reply to %s: %v", peer, err)
			}
		}
	}
}

// handlePacket processes one datagram and returns the response to send,
// or nil when the packet is silently dropped.
func (s *Server) handlePacket(ctx context.Context, pkt []byte, now time.Time) []byte {
	s.sweepSessions(now)

	r := newReader(pkt)
	cmd, err := r.readU32()
	if err != nil {
		return nil
	}

	switch cmd {
	case serverAuthNegotiate:
		return s.handleNegotiate(ctx, r, now)
	case serverAuthSRPStep1:
		return s.handleStep1(r)
	case serverAuthSRPStep3:
		return s.handleStep3(ctx, r)
	default:
		return nil
	}
}

func (s *Server) sweepSessions(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.createdAt) > sessionTTL {
			delete(s.sessions, id)
		}
	}
}

func (s *Server) handleNegotiate(ctx context.Context, r *reader, now time.Time) []byte {
	proto, err := r.readU8()
	if err != nil {
		return nil
	}
	clientSessionID, err := r.readU32()
	if err != nil {
		return nil
	}
	username, err := r.readCString()
	if err != nil {
		return nil
	}

	if proto != AuthProtocolVersion {
		return userError(userOutdatedProtocol, clientSessionID)
	}

	user, err := s.store.Get(ctx, username)
	if err != nil || user == nil {
		if err != nil {
			klog.Errorf("auth: user store lookup for %q failed: %v", username, err)
		}
		return userError(userNoExist, clientSessionID)
	}
	if user.Disabled {
		return userError(userWillNotAuth, clientSessionID)
	}
	if len(user.Salt) == 0 || len(user.Salt) > 255 {
		return userError(userTryLater, clientSessionID)
	}

	srp, err := NewServerSession(UserSecrets{
		Username: user.Username,
		Salt:     user.Salt,
		Verifier: user.Verifier,
	})
	if err != nil {
		klog.Errorf("auth: failed to start SRP session for %q: %v", username, err)
		return userError(userTryLater, clientSessionID)
	}

	sessionID := s.insertSession(&session{
		createdAt:       now,
		clientSessionID: clientSessionID,
		username:        user.Username,
		srp:             srp,
	})

	w := newWriter()
	w.u32(authServerNegotiate)
	w.u8(AuthProtocolVersion)
	w.u32(clientSessionID)
	w.i32(sessionID)
	w.u8(uint8(len(user.Salt)))
	w.bytes(user.Salt)
	w.cstring(user.Username)
	return w.finish()
}

func (s *Server) handleStep1(r *reader) []byte {
	sessionID, err := r.readI32()
	if err != nil {
		return nil
	}
	lenA, err := r.readU16()
	if err != nil {
		return nil
	}
	a, err := r.readBytes(int(lenA))
	if err != nil {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return sessionError(sessionNoExist, sessionID)
	}

	b, err := sess.srp.Step1ProcessA(a)
	if err != nil {
		return sessionError(sessionVerifierUnsafe, sessionID)
	}

	w := newWriter()
	w.u32(authServerSRPStep2)
	w.i32(sessionID)
	w.u16(uint16(len(b)))
	w.bytes(b)
	return w.finish()
}

func (s *Server) handleStep3(ctx context.Context, r *reader) []byte {
	sessionID, err := r.readI32()
	if err != nil {
		return nil
	}
	lenM1, err := r.readU16()
	if err != nil {
		return nil
	}
	m1, err := r.readBytes(int(lenM1))
	if err != nil {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return sessionError(sessionNoExist, sessionID)
	}

	hamk, err := sess.srp.Step3VerifyM1(m1)
	if err != nil {
		return sessionError(sessionAuthFailed, sessionID)
	}

	if s.tokens != nil {
		if _, _, err := s.tokens.MintToken(ctx, sess.username); err != nil {
			klog.Errorf("auth: failed to mint token for %q: %v", sess.username, err)
		}
	}

	w := newWriter()
	w.u32(authServerSRPStep4)
	w.i32(sessionID)
	w.u16(uint16(len(hamk)))
	w.bytes(hamk)
	return w.finish()
}

// insertSession allocates a random positive session id not currently in
// use and stores sess under it.
func (s *Server) insertSession(sess *session) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		var rnd [4]byte
		if _, err := rand.Read(rnd[:]); err != nil {
			continue
		}
		id := int32(binary.LittleEndian.Uint32(rnd[:]))
		if id <= 0 {
			continue
		}
		if _, taken := s.sessions[id]; taken {
			continue
		}
		s.sessions[id] = sess
		return id
	}
}

func userError(code uint8, clientSessionID uint32) []byte {
	w := newWriter()
	w.u32(authServerUserError)
	w.u8(code)
	w.u32(clientSessionID)
	return w.finish()
}

func sessionError(code uint8, sessionID int32) []byte {
	w := newWriter()
	w.u32(authServerSessErr)
	w.u8(code)
	w.i32(sessionID)
	return w.finish()
}
