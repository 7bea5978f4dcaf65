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

// Package users stores SRP user records and short-lived session tokens in
// redis. Records are kept as a hash per user; a legacy JSON blob at the
// same key is still accepted.
package users

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenTTL = 10 * time.Minute

// Record is the per-user SRP material.
type Record struct {
	Username string
	Salt     []byte
	Verifier []byte
	Disabled bool
}

type recordJSON struct {
	Username    string `json:"username"`
	SaltB64     string `json:"salt_b64"`
	VerifierB64 string `json:"verifier_b64"`
	Disabled    bool   `json:"disabled"`
}

// Store reads and writes user records.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// UserKey returns the redis key holding the record for username.
func UserKey(username string) string {
	return "auth:user:" + username
}

// TokenKey returns the redis key holding the username for a session token.
func TokenKey(token string) string {
	return "auth:token:" + token
}

// Get fetches a user record. It returns (nil, nil) when no record exists.
// The key may hold either the hash shape or a legacy JSON blob.
func (s *Store) Get(ctx context.Context, username string) (*Record, error) {
	key := UserKey(username)

	blob, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		var parsed recordJSON
		if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
			return nil, fmt.Errorf("parse user json for %q: %w", username, err)
		}
		return decodeRecord(parsed, username)
	}
	if err != redis.Nil && !isWrongType(err) {
		return nil, fmt.Errorf("fetch user record for %q: %w", username, err)
	}

	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch user record for %q: %w", username, err)
	}
	if len(m) == 0 {
		return nil, nil
	}

	parsed := recordJSON{
		Username: m["username"],
		Disabled: m["disabled"] == "1" || m["disabled"] == "true",
	}
	if parsed.SaltB64 = m["salt_b64"]; parsed.SaltB64 == "" {
		parsed.SaltB64 = m["salt"]
	}
	if parsed.VerifierB64 = m["verifier_b64"]; parsed.VerifierB64 == "" {
		parsed.VerifierB64 = m["verifier"]
	}
	return decodeRecord(parsed, username)
}

// Set writes a user record in the hash shape.
func (s *Store) Set(ctx context.Context, record *Record) error {
	if record.Username == "" {
		return fmt.Errorf("empty username")
	}
	disabled := "0"
	if record.Disabled {
		disabled = "1"
	}
	return s.rdb.HSet(ctx, UserKey(record.Username),
		"username", record.Username,
		"salt_b64", base64.StdEncoding.EncodeToString(record.Salt),
		"verifier_b64", base64.StdEncoding.EncodeToString(record.Verifier),
		"disabled", disabled,
	).Err()
}

// MintToken generates a fresh session token for username and stores it
// with a short TTL. It returns the token and its TTL.
func (s *Store) MintToken(ctx context.Context, username string) (string, time.Duration, error) {
	if username == "" {
		return "", 0, fmt.Errorf("empty username")
	}
	rnd := make([]byte, 32)
	if _, err := rand.Read(rnd); err != nil {
		return "", 0, fmt.Errorf("generate token: %w", err)
	}
	token := fmt.Sprintf("u:%s:%s", username, base64.StdEncoding.EncodeToString(rnd))
	if err := s.rdb.Set(ctx, TokenKey(token), username, tokenTTL).Err(); err != nil {
		return "", 0, fmt.Errorf("store session token: %w", err)
	}
	return token, tokenTTL, nil
}

// ResolveToken returns the username for a session token, or "" when the
// token is unknown or expired.
func (s *Store) ResolveToken(ctx context.Context, token string) (string, error) {
	username, err := s.rdb.Get(ctx, TokenKey(token)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve session token: %w", err)
	}
	return username, nil
}

func decodeRecord(parsed recordJSON, requestedUsername string) (*Record, error) {
	username := parsed.Username
	if username == "" {
		username = requestedUsername
	}
	salt, err := base64.StdEncoding.DecodeString(parsed.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	verifier, err := base64.StdEncoding.DecodeString(parsed.VerifierB64)
	if err != nil {
		return nil, fmt.Errorf("decode verifier: %w", err)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty salt")
	}
	if len(verifier) == 0 {
		return nil, fmt.Errorf("empty verifier")
	}
	return &Record{
		Username: username,
		Salt:     salt,
		Verifier: verifier,
		Disabled: parsed.Disabled,
	}, nil
}

// A hash-shaped record makes GET fail with WRONGTYPE; that means the
// legacy blob is absent, not that the store is broken.
func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}
