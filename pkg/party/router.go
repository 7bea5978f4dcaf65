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

package party

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/streams"
)

const partySubjectPrefix = "dorch.party."

// Publisher sends a payload to a broker subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Router fans party broadcasts out to each member's transient subject.
// Senders publish once to dorch.party.<id>; every member, including the
// sender, receives a copy on dorch.user.<id>.
type Router struct {
	Store *Store
	Pub   Publisher
}

// Handle routes one party message. Unknown or malformed subjects are
// dropped rather than retried.
func (r *Router) Handle(ctx context.Context, subject string, payload []byte) error {
	raw, ok := strings.CutPrefix(subject, partySubjectPrefix)
	if !ok {
		klog.V(2).InfoS("ignoring non-party subject", "subject", subject)
		return nil
	}
	partyID, err := uuid.Parse(raw)
	if err != nil {
		klog.V(2).InfoS("ignoring malformed party id", "subject", subject)
		return nil
	}
	members, err := r.Store.Members(ctx, partyID)
	if err != nil {
		return fmt.Errorf("resolve members of party %s: %w", partyID, err)
	}
	for _, member := range members {
		if err := r.Pub.Publish(streams.UserSubject(member.String()), payload); err != nil {
			return fmt.Errorf("fan out to user %s: %w", member, err)
		}
	}
	klog.V(4).InfoS("routed party message", "partyID", partyID, "members", len(members))
	return nil
}

// Run consumes party messages until ctx is canceled. Routing errors
// are logged; a closed channel ends the loop.
func (r *Router) Run(ctx context.Context, msgs <-chan *nats.Msg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("party subscription closed")
			}
			if err := r.Handle(ctx, msg.Subject, msg.Data); err != nil {
				klog.ErrorS(err, "failed to route party message", "subject", msg.Subject)
			}
		}
	}
}
