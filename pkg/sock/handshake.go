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

// Package sock implements the websocket gateway: a two-phase encrypted
// handshake, JWKS-backed token validation, and per-connection sessions
// that bridge broker traffic to the client.
package sock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// handshakeTTL bounds how long a started handshake stays redeemable.
const handshakeTTL = 10 * time.Second

// ErrHandshakeNotFound is returned when a conn id has no pending
// handshake, either because it expired or was already consumed.
var ErrHandshakeNotFound = errors.New("handshake not found")

// Handshake is the per-connection secret material stored between the
// two phases of websocket authentication.
type Handshake struct {
	UserID   uuid.UUID `json:"user_id"`
	Key      []byte    `json:"key"`
	Nonce    []byte    `json:"nonce"`
	DeviceID uuid.UUID `json:"device_id"`
}

func handshakeKey(connID uuid.UUID) string {
	return fmt.Sprintf("wsa:%s", connID)
}

// takeScript retrieves and deletes a handshake in one round trip so a
// conn id can never be redeemed twice.
var takeScript = redis.NewScript(`local val = redis.call("GET", KEYS[1])
if val then
    redis.call("DEL", KEYS[1])
    return val
else
    return nil
end`)

// HandshakeStore keeps pending handshakes in redis.
type HandshakeStore struct {
	rdb redis.UniversalClient
}

func NewHandshakeStore(rdb redis.UniversalClient) *HandshakeStore {
	return &HandshakeStore{rdb: rdb}
}

// Begin stores the handshake under a fresh conn id and returns it.
func (s *HandshakeStore) Begin(ctx context.Context, hs Handshake) (uuid.UUID, error) {
	connID := uuid.New()
	value, err := json.Marshal(hs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode handshake: %w", err)
	}
	if err := s.rdb.Set(ctx, handshakeKey(connID), value, handshakeTTL).Err(); err != nil {
		return uuid.Nil, fmt.Errorf("store handshake: %w", err)
	}
	return connID, nil
}

// Take retrieves and consumes the handshake for connID. A second call
// with the same conn id returns ErrHandshakeNotFound.
func (s *HandshakeStore) Take(ctx context.Context, connID uuid.UUID) (*Handshake, error) {
	raw, err := takeScript.Run(ctx, s.rdb, []string{handshakeKey(connID)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrHandshakeNotFound
		}
		return nil, fmt.Errorf("retrieve handshake: %w", err)
	}
	var hs Handshake
	if err := json.Unmarshal([]byte(raw), &hs); err != nil {
		return nil, fmt.Errorf("decode stored handshake: %w", err)
	}
	return &hs, nil
}
