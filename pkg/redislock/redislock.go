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

// Package redislock implements a redis-backed mutual-exclusion lock.
// Each lock value is a random token; extension and release only take
// effect while the key still carries our token, so an expired lock that
// was re-acquired elsewhere is never clobbered.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

const (
	lockTTL        = 30 * time.Second
	acquirePoll    = 250 * time.Millisecond
	extendInterval = 10 * time.Second
)

// Extend the TTL only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Delete the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker acquires locks against one redis client.
type Locker struct {
	rdb redis.UniversalClient
}

func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb}
}

// Lock is a held lock. Release stops the auto-extender and deletes the
// key if we still own it.
type Lock struct {
	rdb    redis.UniversalClient
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire blocks until the lock is held or ctx is canceled, polling
// every 250 ms. The held lock auto-extends its TTL every 10 seconds.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(acquirePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	extendCtx, cancel := context.WithCancel(context.Background())
	lock := &Lock{
		rdb:    l.rdb,
		key:    key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lock.extendLoop(extendCtx)
	return lock, nil
}

func (lk *Lock) extendLoop(ctx context.Context) {
	defer close(lk.done)
	ticker := time.NewTicker(extendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := extendScript.Run(ctx, lk.rdb, []string{lk.key},
				lk.token, lockTTL.Milliseconds()).Int()
			if err != nil && ctx.Err() == nil {
				klog.Errorf("failed to extend lock %s: %v", lk.key, err)
			} else if err == nil && ok == 0 {
				klog.Warningf("lost lock %s before release", lk.key)
				return
			}
		}
	}
}

// Release deletes the key if we still own it. Safe to call once per lock.
func (lk *Lock) Release(ctx context.Context) error {
	lk.cancel()
	<-lk.done
	_, err := releaseScript.Run(ctx, lk.rdb, []string{lk.key}, lk.token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	return nil
}

// Key returns the lock's redis key.
func (lk *Lock) Key() string { return lk.key }

func randomToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
