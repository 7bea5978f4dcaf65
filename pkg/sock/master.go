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

package sock

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

const masterBuffer = 64

// Broadcaster fans the process-wide master channel out to every live
// websocket session. A subscriber that falls behind its buffer loses
// messages rather than stalling the rest.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a receive channel and a stop function. Stop must be
// called when the session ends.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, masterBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	stop := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, stop
}

// Publish delivers a payload to every subscriber without blocking.
func (b *Broadcaster) Publish(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
			klog.V(2).InfoS("dropping master broadcast for slow subscriber")
		}
	}
}

// Run pumps a redis pub/sub channel into the broadcaster until ctx is
// canceled.
func (b *Broadcaster) Run(ctx context.Context, rdb redis.UniversalClient, channel string) error {
	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.Publish([]byte(msg.Payload))
		}
	}
}
