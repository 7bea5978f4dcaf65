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

package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/redislock"
)

const (
	// How often the in-progress keepalive extends the ack deadline
	// during a long model call.
	progressInterval = 10 * time.Second

	failureBackoffBase = 250 * time.Millisecond
	failureBackoffCap  = 15 * time.Second
)

type derivationState int

const (
	stateReady derivationState = iota
	statePending
	stateDiscard
)

// Derivation is the outcome of inspecting one message before any model
// work happens.
type Derivation struct {
	state      derivationState
	input      any
	workCtx    any
	lock       *redislock.Lock
	retryAfter time.Duration
}

// Ready proceeds to the model call with the given input. The lock, if
// any, is held until the verdict has been posted.
func Ready(input, workCtx any, lock *redislock.Lock) *Derivation {
	return &Derivation{state: stateReady, input: input, workCtx: workCtx, lock: lock}
}

// Pending negative-acks the message so it redelivers after retryAfter.
func Pending(retryAfter time.Duration) *Derivation {
	return &Derivation{state: statePending, retryAfter: retryAfter}
}

// Discard acks the message without doing any work.
func Discard() *Derivation {
	return &Derivation{state: stateDiscard}
}

// Worker is one analysis flavor: it derives model input from a broker
// message and posts the parsed verdict.
type Worker interface {
	DeriveInput(ctx context.Context, subject string, payload []byte) (*Derivation, error)
	Post(ctx context.Context, workCtx any, analysis json.RawMessage) error
}

// Model runs one analysis request.
type Model interface {
	Analyze(ctx context.Context, inputJSON string) (json.RawMessage, error)
}

// Msg is the slice of a JetStream message the runtime needs.
type Msg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	InProgress() error
}

type natsMsg struct {
	m *nats.Msg
}

func (w natsMsg) Subject() string { return w.m.Subject }
func (w natsMsg) Data() []byte    { return w.m.Data }
func (w natsMsg) Ack() error      { return w.m.Ack() }
func (w natsMsg) Nak() error      { return w.m.Nak() }
func (w natsMsg) NakWithDelay(delay time.Duration) error {
	return w.m.NakWithDelay(delay)
}
func (w natsMsg) InProgress() error { return w.m.InProgress() }

// App drives one durable consumer through a Worker and a Model.
type App struct {
	model  Model
	worker Worker

	sleep func(ctx context.Context, d time.Duration) error
}

func NewApp(model Model, worker Worker) *App {
	return &App{model: model, worker: worker, sleep: sleepCtx}
}

// Run fetches messages until ctx is canceled. Handler errors are logged
// and backed off; the message naks with the same delay so redelivery
// lines up with the cooldown.
func (a *App) Run(ctx context.Context, sub *nats.Subscription) error {
	var failureCount uint
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := natsMsg{m: msgs[0]}
		if err := a.Handle(ctx, msg); err != nil {
			failureCount++
			klog.Errorf("error handling message on %s: %v", msg.Subject(), err)
			delay := failureBackoff(failureCount)
			if err := msg.NakWithDelay(delay); err != nil {
				klog.Errorf("failed to nak message: %v", err)
			}
			if err := a.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}
		failureCount = 0
	}
	return nil
}

// Handle processes one message end to end: derive, analyze, post, ack.
func (a *App) Handle(ctx context.Context, msg Msg) error {
	d, err := a.worker.DeriveInput(ctx, msg.Subject(), msg.Data())
	if err != nil {
		return fmt.Errorf("derive input: %w", err)
	}
	switch d.state {
	case statePending:
		if d.retryAfter > 0 {
			return msg.NakWithDelay(d.retryAfter)
		}
		return msg.Nak()
	case stateDiscard:
		return msg.Ack()
	}

	if d.lock != nil {
		defer func() {
			if err := d.lock.Release(context.WithoutCancel(ctx)); err != nil {
				klog.Errorf("failed to release %s: %v", d.lock.Key(), err)
			}
		}()
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive(msg, stop)
	}()

	err = a.analyze(ctx, d)

	close(stop)
	wg.Wait()
	if err != nil {
		return err
	}
	return msg.Ack()
}

func (a *App) analyze(ctx context.Context, d *Derivation) error {
	inputJSON, err := json.Marshal(d.input)
	if err != nil {
		return fmt.Errorf("serialize input: %w", err)
	}
	analysis, err := a.model.Analyze(ctx, string(inputJSON))
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if err := a.worker.Post(ctx, d.workCtx, analysis); err != nil {
		return fmt.Errorf("post analysis: %w", err)
	}
	return nil
}

// keepAlive extends the ack deadline while the model call is in flight,
// at most once per progressInterval.
func keepAlive(msg Msg, stop <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := msg.InProgress(); err != nil {
				klog.Errorf("failed to extend ack deadline: %v", err)
			}
		}
	}
}

func failureBackoff(failureCount uint) time.Duration {
	shift := failureCount
	if shift > 16 {
		shift = 16
	}
	d := failureBackoffBase << shift
	if d > failureBackoffCap || d <= 0 {
		d = failureBackoffCap
	}
	return d
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
