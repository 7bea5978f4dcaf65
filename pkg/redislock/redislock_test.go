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

package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLocker(rdb), mr, rdb
}

func TestAcquireAndRelease(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "l:w:abc")
	require.NoError(t, err)
	assert.True(t, mr.Exists("l:w:abc"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("l:w:abc"))
}

func TestAcquireBlocksWhileHeld(t *testing.T) {
	locker, _, _ := newTestLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "l:w:abc")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 600*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, "l:w:abc")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, lock.Release(ctx))
	second, err := locker.Acquire(ctx, "l:w:abc")
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestReleaseIgnoresStolenLock(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "l:w:abc")
	require.NoError(t, err)

	// Simulate TTL expiry followed by another holder taking the key.
	mr.FastForward(lockTTL + time.Second)
	require.False(t, mr.Exists("l:w:abc"))
	require.NoError(t, mr.Set("l:w:abc", "someone-else"))

	require.NoError(t, lock.Release(ctx))
	got, err := mr.Get("l:w:abc")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "release must not delete another holder's lock")
}

func TestExtendScriptRequiresOwnership(t *testing.T) {
	_, mr, rdb := newTestLocker(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("k", "tok"))
	mr.SetTTL("k", time.Second)

	n, err := extendScript.Run(ctx, rdb, []string{"k"}, "tok", lockTTL.Milliseconds()).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, lockTTL, mr.TTL("k"))

	n, err = extendScript.Run(ctx, rdb, []string{"k"}, "wrong", lockTTL.Milliseconds()).Int()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
