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

// Package gameinfo stores per-game metadata hashes in redis with a
// one-day TTL refreshed on every read and write. Writes announce the
// game id on the master channel so websocket clients can refresh.
package gameinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beebs-dev/dorch/pkg/streams"
)

const gameInfoTTL = 24 * time.Hour

func gameInfoKey(gameID string) string {
	return fmt.Sprintf("game_info:%s", gameID)
}

// setScript writes the fields, refreshes the TTL, and announces the
// update in one atomic step.
// ARGV: field/value pairs..., game id, channel, ttl millis.
var setScript = redis.NewScript(`local n = #ARGV
for i = 1, n - 3, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("PEXPIRE", KEYS[1], ARGV[n])
redis.call("PUBLISH", ARGV[n - 1], ARGV[n - 2])
return 1`)

// Store reads and writes game info hashes.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Set merges fields into the game's hash, refreshes its TTL, and
// publishes the game id on the master channel.
func (s *Store) Set(ctx context.Context, gameID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2+3)
	for k, v := range fields {
		args = append(args, k, v)
	}
	args = append(args, gameID, streams.MasterChannel, gameInfoTTL.Milliseconds())
	if err := setScript.Run(ctx, s.rdb, []string{gameInfoKey(gameID)}, args...).Err(); err != nil {
		return fmt.Errorf("store game info: %w", err)
	}
	return nil
}

// Get returns the game's hash, refreshing its TTL; ok=false when the
// game is unknown.
func (s *Store) Get(ctx context.Context, gameID string) (map[string]string, bool, error) {
	key := gameInfoKey(gameID)
	info, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get game info: %w", err)
	}
	if len(info) == 0 {
		return nil, false, nil
	}
	if err := s.rdb.PExpire(ctx, key, gameInfoTTL).Err(); err != nil {
		return nil, false, fmt.Errorf("refresh game info: %w", err)
	}
	return info, true, nil
}

// Delete drops the game's hash.
func (s *Store) Delete(ctx context.Context, gameID string) error {
	if err := s.rdb.Del(ctx, gameInfoKey(gameID)).Err(); err != nil {
		return fmt.Errorf("delete game info: %w", err)
	}
	return nil
}
