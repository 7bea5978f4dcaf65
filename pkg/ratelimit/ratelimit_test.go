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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, config Config) (*Limiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := New(rdb, config)
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBurstWindow(t *testing.T) {
	l, now := newTestLimiter(t, Config{
		BurstLimit:    3,
		BurstWindowMs: 1_000,
		LongLimit:     10,
		LongWindowMs:  10_000,
		MaxListSize:   512,
		KeyPrefix:     "rate:",
	})
	ctx := context.Background()
	base := *now

	for _, tc := range []struct {
		offsetMs int64
		allowed  bool
	}{
		{0, true},
		{100, true},
		{200, true},
		{300, false},
		{1_200, true},
	} {
		*now = base.Add(time.Duration(tc.offsetMs) * time.Millisecond)
		allowed, err := l.CheckRaw(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, tc.allowed, allowed, "offset %dms", tc.offsetMs)
	}
}

func TestLongWindow(t *testing.T) {
	l, now := newTestLimiter(t, Config{
		BurstLimit:    100,
		BurstWindowMs: 1_000,
		LongLimit:     5,
		LongWindowMs:  60_000,
		MaxListSize:   512,
		KeyPrefix:     "rate:",
	})
	ctx := context.Background()
	base := *now

	// Spread calls so the burst window never fills.
	for i := 0; i < 5; i++ {
		*now = base.Add(time.Duration(i) * 2 * time.Second)
		allowed, err := l.CheckRaw(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, allowed, "call %d", i)
	}
	*now = base.Add(10 * time.Second)
	allowed, err := l.CheckRaw(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, allowed, "sixth call within the long window is denied")

	*now = base.Add(72 * time.Second)
	allowed, err = l.CheckRaw(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, allowed, "allowed again after the long window passes")
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		BurstLimit:    1,
		BurstWindowMs: 1_000,
		LongLimit:     10,
		LongWindowMs:  10_000,
		MaxListSize:   512,
		KeyPrefix:     "rate:",
	})
	ctx := context.Background()

	allowed, err := l.CheckRaw(ctx, "a")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, err = l.CheckRaw(ctx, "a")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = l.CheckRaw(ctx, "b")
	require.NoError(t, err)
	assert.True(t, allowed, "another key is unaffected")
}

func TestCheckFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewWithDefaults(rdb)

	mr.Close()
	assert.False(t, l.Check(context.Background(), "k1"), "store errors must deny")
}
