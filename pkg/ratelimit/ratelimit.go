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

// Package ratelimit enforces a dual-horizon sliding window per key: a
// short burst limit and a long-term limit, both checked atomically by a
// single server-side script.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

// Config bounds one limiter instance.
type Config struct {
	// Max requests allowed in the burst window.
	BurstLimit int64
	// Burst window length in milliseconds.
	BurstWindowMs int64
	// Max requests allowed in the long-term window.
	LongLimit int64
	// Long-term window length in milliseconds.
	LongWindowMs int64
	// Cap on list length per key, bounding work per check.
	MaxListSize int64
	// Prepended to every key.
	KeyPrefix string
}

// DefaultConfig allows bursts of 20 per 5 s and 200 per minute.
func DefaultConfig() Config {
	return Config{
		BurstLimit:    20,
		BurstWindowMs: 5_000,
		LongLimit:     200,
		LongWindowMs:  60_000,
		MaxListSize:   512,
		KeyPrefix:     "rate:",
	}
}

// The timestamp list is newest-first; the scan stops at the first entry
// older than the long window.
var checkScript = redis.NewScript(`
local key            = KEYS[1]
local burst_limit    = tonumber(ARGV[1])
local burst_window   = tonumber(ARGV[2])
local long_limit     = tonumber(ARGV[3])
local long_window    = tonumber(ARGV[4])
local now_ms         = tonumber(ARGV[5])
local max_list_size  = tonumber(ARGV[6])

redis.call("LPUSH", key, now_ms)
redis.call("LTRIM", key, 0, max_list_size - 1)

local burst_threshold = now_ms - burst_window
local long_threshold  = now_ms - long_window

local burst_count = 0
local long_count  = 0

local entries = redis.call("LRANGE", key, 0, -1)
for i = 1, #entries do
	local ts = tonumber(entries[i])
	if ts >= long_threshold then
		long_count = long_count + 1
		if ts >= burst_threshold then
			burst_count = burst_count + 1
		end
	else
		break
	end
end

if burst_count > burst_limit or long_count > long_limit then
	return 0
end

return 1
`)

// Limiter checks keys against one redis client.
type Limiter struct {
	rdb    redis.UniversalClient
	config Config

	now func() time.Time
}

func New(rdb redis.UniversalClient, config Config) *Limiter {
	return &Limiter{rdb: rdb, config: config, now: time.Now}
}

func NewWithDefaults(rdb redis.UniversalClient) *Limiter {
	return New(rdb, DefaultConfig())
}

// CheckRaw returns whether the request is allowed, surfacing any store
// error to the caller.
func (l *Limiter) CheckRaw(ctx context.Context, key string) (bool, error) {
	nowMs := l.now().UnixMilli()
	listKey := l.config.KeyPrefix + key
	result, err := checkScript.Run(ctx, l.rdb, []string{listKey},
		l.config.BurstLimit,
		l.config.BurstWindowMs,
		l.config.LongLimit,
		l.config.LongWindowMs,
		nowMs,
		l.config.MaxListSize,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", key, err)
	}
	return result == 1, nil
}

// Check is the fail-closed convenience: a store error denies.
func (l *Limiter) Check(ctx context.Context, key string) bool {
	allowed, err := l.CheckRaw(ctx, key)
	if err != nil {
		klog.Errorf("rate limiter failed for key %s: %v", key, err)
		return false
	}
	return allowed
}
