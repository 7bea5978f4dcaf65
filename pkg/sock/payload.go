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
	"github.com/beebs-dev/dorch/pkg/streams"
	"github.com/google/uuid"
)

// Broker payloads bound for websocket clients are framed as
// type(1) || party_id(16) || user_id(16) [|| content].

// transientHeaderLen covers the type byte and the two embedded ids.
const transientHeaderLen = 33

// MessagePayload frames a chat message for the party subject.
func MessagePayload(partyID, userID uuid.UUID, content string) []byte {
	payload := make([]byte, 0, transientHeaderLen+len(content))
	payload = append(payload, byte(streams.TypeMessage))
	payload = append(payload, partyID[:]...)
	payload = append(payload, userID[:]...)
	payload = append(payload, content...)
	return payload
}

// NotifyPayload frames a content-free notification such as typing or
// stop_typing for the party subject.
func NotifyPayload(t streams.MessageType, partyID, userID uuid.UUID) []byte {
	payload := make([]byte, 0, transientHeaderLen)
	payload = append(payload, byte(t))
	payload = append(payload, partyID[:]...)
	payload = append(payload, userID[:]...)
	return payload
}

// suppressSelfTransient reports whether a transient payload is the
// session user's own typing notification and self-delivery is disabled.
// Malformed short payloads are never suppressed; the client decides
// what to do with them.
func suppressSelfTransient(payload []byte, userID uuid.UUID, allowSelf bool) bool {
	if allowSelf || len(payload) < transientHeaderLen {
		return false
	}
	switch streams.MessageType(payload[0]) {
	case streams.TypeTyping, streams.TypeStopTyping:
	default:
		return false
	}
	sender, err := uuid.FromBytes(payload[17:33])
	if err != nil {
		return false
	}
	return sender == userID
}
