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

// Package dispatch converts database-resident work into durable broker
// messages. Rows are claimed cooperatively with SKIP LOCKED so multiple
// dispatchers can run against the same table; the publish happens inside
// the claiming transaction, giving at-least-once delivery with
// downstream dedup by deterministic message id.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"
)

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 15 * time.Second

	// Pause after every successful publish to keep a loaded queue from
	// starving the database of row locks.
	publishPause = 1431 * time.Millisecond
)

// Store begins claim-and-mark transactions against the work table.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one dispatch transaction. PullOne locks an unclaimed row and
// returns its work key; MarkDispatched records the claim. Commit releases
// the row lock; Rollback leaves the row dispatchable.
type Tx interface {
	PullOne(ctx context.Context) (wadID string, found bool, err error)
	MarkDispatched(ctx context.Context, wadID string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Publisher publishes one durable message with a dedup id.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// Pipeline names a dispatch flavor and derives its subject and dedup id
// from the work key.
type Pipeline struct {
	Name    string
	Subject func(wadID string) string
	MsgID   func(wadID string) string
}

// Poller drives one pipeline: claim a row, publish, mark, commit.
type Poller struct {
	store    Store
	pub      Publisher
	pipeline Pipeline

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func NewPoller(store Store, pub Publisher, pipeline Pipeline) *Poller {
	return &Poller{
		store:    store,
		pub:      pub,
		pipeline: pipeline,
		sleep:    sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(1001)) * time.Millisecond
		},
	}
}

// Run polls until ctx is canceled. Database and publish errors are
// fatal; the process restart is the retry strategy, and a rolled-back
// row stays dispatchable.
func (p *Poller) Run(ctx context.Context) error {
	var emptyPulls uint
	published := 0
	for ctx.Err() == nil {
		tx, err := p.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin dispatch tx: %w", err)
		}
		wadID, found, err := tx.PullOne(ctx)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("pull %s row: %w", p.pipeline.Name, err)
		}
		if !found {
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit empty pull tx: %w", err)
			}
			emptyPulls++
			if err := p.sleep(ctx, p.backoffDelay(emptyPulls)); err != nil {
				return nil
			}
			continue
		}
		emptyPulls = 0

		subject := p.pipeline.Subject(wadID)
		if err := p.pub.Publish(ctx, subject, p.pipeline.MsgID(wadID), []byte(wadID)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("publish %s to %s: %w", p.pipeline.Name, subject, err)
		}
		if err := tx.MarkDispatched(ctx, wadID); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark %s dispatched: %w", p.pipeline.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit %s dispatch tx: %w", p.pipeline.Name, err)
		}

		published++
		if published%10 == 0 {
			klog.Infof("dispatched a total of %d %s requests", published, p.pipeline.Name)
		}
		// Prevent a tight loop when the backlog is deep.
		if err := p.sleep(ctx, publishPause); err != nil {
			return nil
		}
	}
	return nil
}

func (p *Poller) backoffDelay(emptyPulls uint) time.Duration {
	// The first empty pull waits the base delay.
	var shift uint
	if emptyPulls > 0 {
		shift = emptyPulls - 1
	}
	if shift > 16 {
		shift = 16
	}
	d := backoffBase << shift
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d + p.jitter()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// JetStreamPublisher publishes through a JetStream context, carrying the
// dedup id as the message id header.
type JetStreamPublisher struct {
	js nats.JetStreamContext
}

func NewJetStreamPublisher(js nats.JetStreamContext) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	_, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	return err
}
