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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beebs-dev/dorch/pkg/users"
)

type fakeStore struct {
	records map[string]*users.Record
	err     error
}

func (f *fakeStore) Get(_ context.Context, username string) (*users.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[username], nil
}

type fakeMinter struct {
	minted []string
	err    error
}

func (f *fakeMinter) MintToken(_ context.Context, username string) (string, time.Duration, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	f.minted = append(f.minted, username)
	return "token-" + username, time.Minute, nil
}

func negotiatePacket(proto uint8, clientSessionID uint32, username string) []byte {
	w := newWriter()
	w.u32(serverAuthNegotiate)
	w.u8(proto)
	w.u32(clientSessionID)
	w.cstring(username)
	return w.finish()
}

func step1Packet(sessionID int32, a []byte) []byte {
	w := newWriter()
	w.u32(serverAuthSRPStep1)
	w.i32(sessionID)
	w.u16(uint16(len(a)))
	w.bytes(a)
	return w.finish()
}

func step3Packet(sessionID int32, m1 []byte) []byte {
	w := newWriter()
	w.u32(serverAuthSRPStep3)
	w.i32(sessionID)
	w.u16(uint16(len(m1)))
	w.bytes(m1)
	return w.finish()
}

func seededServer(t *testing.T) (*Server, *UserSecrets, *fakeMinter) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)
	store := &fakeStore{records: map[string]*users.Record{
		"doomguy": {
			Username: "doomguy",
			Salt:     secrets.Salt,
			Verifier: secrets.Verifier,
		},
	}}
	minter := &fakeMinter{}
	return NewServer(store, minter), secrets, minter
}

func TestServerFullExchange(t *testing.T) {
	srv, secrets, minter := seededServer(t)
	ctx := context.Background()
	now := time.Now()

	// NEGOTIATE
	resp := srv.handlePacket(ctx, negotiatePacket(AuthProtocolVersion, 77, "doomguy"), now)
	require.NotNil(t, resp)
	r := newReader(resp)
	magic, _ := r.readU32()
	require.Equal(t, authServerNegotiate, magic)
	proto, _ := r.readU8()
	assert.Equal(t, AuthProtocolVersion, proto)
	clientSessionID, _ := r.readU32()
	assert.Equal(t, uint32(77), clientSessionID)
	sessionID, _ := r.readI32()
	assert.Positive(t, sessionID)
	saltLen, _ := r.readU8()
	salt, _ := r.readBytes(int(saltLen))
	assert.Equal(t, secrets.Salt, salt)
	username, err := r.readCString()
	require.NoError(t, err)
	assert.Equal(t, "doomguy", username)

	// STEP1
	client := newTestClient(t, "doomguy", "hunter2", secrets.Salt)
	resp = srv.handlePacket(ctx, step1Packet(sessionID, client.publicA()), now)
	require.NotNil(t, resp)
	r = newReader(resp)
	magic, _ = r.readU32()
	require.Equal(t, authServerSRPStep2, magic)
	gotSessionID, _ := r.readI32()
	assert.Equal(t, sessionID, gotSessionID)
	lenB, _ := r.readU16()
	b, err := r.readBytes(int(lenB))
	require.NoError(t, err)

	// STEP3
	resp = srv.handlePacket(ctx, step3Packet(sessionID, client.proveM1(b)), now)
	require.NotNil(t, resp)
	r = newReader(resp)
	magic, _ = r.readU32()
	require.Equal(t, authServerSRPStep4, magic)
	gotSessionID, _ = r.readI32()
	assert.Equal(t, sessionID, gotSessionID)
	lenHAMK, _ := r.readU16()
	hamk, err := r.readBytes(int(lenHAMK))
	require.NoError(t, err)
	assert.True(t, client.verifyHAMK(hamk))

	assert.Equal(t, []string{"doomguy"}, minter.minted)

	// The session is gone after STEP3.
	resp = srv.handlePacket(ctx, step3Packet(sessionID, client.m1), now)
	assertSessionError(t, resp, sessionNoExist, sessionID)
}

func assertUserError(t *testing.T, resp []byte, code uint8, clientSessionID uint32) {
	t.Helper()
	require.NotNil(t, resp)
	r := newReader(resp)
	magic, _ := r.readU32()
	require.Equal(t, authServerUserError, magic)
	gotCode, _ := r.readU8()
	assert.Equal(t, code, gotCode)
	gotID, _ := r.readU32()
	assert.Equal(t, clientSessionID, gotID)
}

func assertSessionError(t *testing.T, resp []byte, code uint8, sessionID int32) {
	t.Helper()
	require.NotNil(t, resp)
	r := newReader(resp)
	magic, _ := r.readU32()
	require.Equal(t, authServerSessErr, magic)
	gotCode, _ := r.readU8()
	assert.Equal(t, code, gotCode)
	gotID, _ := r.readI32()
	assert.Equal(t, sessionID, gotID)
}

func TestServerNegotiateFailures(t *testing.T) {
	secrets, err := GenerateUserSecrets("doomguy", "hunter2")
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name     string
		store    *fakeStore
		packet   []byte
		wantCode uint8
	}{
		{
			name:     "outdated protocol",
			store:    &fakeStore{},
			packet:   negotiatePacket(1, 5, "doomguy"),
			wantCode: userOutdatedProtocol,
		},
		{
			name:     "unknown user",
			store:    &fakeStore{},
			packet:   negotiatePacket(AuthProtocolVersion, 5, "nobody"),
			wantCode: userNoExist,
		},
		{
			name:     "store error",
			store:    &fakeStore{err: errors.New("redis down")},
			packet:   negotiatePacket(AuthProtocolVersion, 5, "doomguy"),
			wantCode: userNoExist,
		},
		{
			name: "disabled account",
			store: &fakeStore{records: map[string]*users.Record{
				"doomguy": {Username: "doomguy", Salt: secrets.Salt, Verifier: secrets.Verifier, Disabled: true},
			}},
			packet:   negotiatePacket(AuthProtocolVersion, 5, "doomguy"),
			wantCode: userWillNotAuth,
		},
		{
			name: "oversized salt",
			store: &fakeStore{records: map[string]*users.Record{
				"doomguy": {Username: "doomguy", Salt: make([]byte, 300), Verifier: secrets.Verifier},
			}},
			packet:   negotiatePacket(AuthProtocolVersion, 5, "doomguy"),
			wantCode: userTryLater,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(tt.store, nil)
			resp := srv.handlePacket(ctx, tt.packet, now)
			assertUserError(t, resp, tt.wantCode, 5)
		})
	}
}

func TestServerSessionFailures(t *testing.T) {
	srv, secrets, _ := seededServer(t)
	ctx := context.Background()
	now := time.Now()

	// Unknown session ids.
	resp := srv.handlePacket(ctx, step1Packet(42, make([]byte, groupLen)), now)
	assertSessionError(t, resp, sessionNoExist, 42)
	resp = srv.handlePacket(ctx, step3Packet(42, make([]byte, 32)), now)
	assertSessionError(t, resp, sessionNoExist, 42)

	// Degenerate A surfaces as verifier-unsafe.
	resp = srv.handlePacket(ctx, negotiatePacket(AuthProtocolVersion, 1, "doomguy"), now)
	r := newReader(resp)
	r.readU32()
	r.readU8()
	r.readU32()
	sessionID, _ := r.readI32()
	resp = srv.handlePacket(ctx, step1Packet(sessionID, make([]byte, groupLen)), now)
	assertSessionError(t, resp, sessionVerifierUnsafe, sessionID)

	// Wrong proof fails the exchange.
	resp = srv.handlePacket(ctx, negotiatePacket(AuthProtocolVersion, 2, "doomguy"), now)
	r = newReader(resp)
	r.readU32()
	r.readU8()
	r.readU32()
	sessionID, _ = r.readI32()
	client := newTestClient(t, "doomguy", "wrong-password", secrets.Salt)
	resp = srv.handlePacket(ctx, step1Packet(sessionID, client.publicA()), now)
	r = newReader(resp)
	r.readU32()
	r.readI32()
	lenB, _ := r.readU16()
	b, err := r.readBytes(int(lenB))
	require.NoError(t, err)
	resp = srv.handlePacket(ctx, step3Packet(sessionID, client.proveM1(b)), now)
	assertSessionError(t, resp, sessionAuthFailed, sessionID)
}

func TestServerSessionExpiry(t *testing.T) {
	srv, secrets, _ := seededServer(t)
	ctx := context.Background()
	start := time.Now()

	resp := srv.handlePacket(ctx, negotiatePacket(AuthProtocolVersion, 9, "doomguy"), start)
	r := newReader(resp)
	r.readU32()
	r.readU8()
	r.readU32()
	sessionID, _ := r.readI32()

	// A packet arriving after the TTL sweeps the stale session away.
	client := newTestClient(t, "doomguy", "hunter2", secrets.Salt)
	resp = srv.handlePacket(ctx, step1Packet(sessionID, client.publicA()), start.Add(sessionTTL+time.Second))
	assertSessionError(t, resp, sessionNoExist, sessionID)
}

func TestServerDropsUnknownMagic(t *testing.T) {
	srv, _, _ := seededServer(t)
	w := newWriter()
	w.u32(0xDEADBEEF)
	assert.Nil(t, srv.handlePacket(context.Background(), w.finish(), time.Now()))
	assert.Nil(t, srv.handlePacket(context.Background(), []byte{0x01}, time.Now()))
}
