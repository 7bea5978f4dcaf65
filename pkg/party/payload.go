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
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/beebs-dev/dorch/pkg/streams"
)

// Membership events are framed as type(1) || party_id(16) || user_id(16),
// with MemberLeft carrying one trailing reason byte.

// memberEvent frames an Invite or MemberJoined notification.
func memberEvent(t streams.MessageType, partyID, userID uuid.UUID) []byte {
	payload := make([]byte, 0, 33)
	payload = append(payload, byte(t))
	payload = append(payload, partyID[:]...)
	payload = append(payload, userID[:]...)
	return payload
}

// memberLeftEvent frames a MemberLeft notification with its reason.
func memberLeftEvent(partyID, userID uuid.UUID, reason streams.LeaveReason) []byte {
	payload := make([]byte, 0, 34)
	payload = append(payload, byte(streams.TypeMemberLeft))
	payload = append(payload, partyID[:]...)
	payload = append(payload, userID[:]...)
	payload = append(payload, byte(reason))
	return payload
}

// partyInfoEvent frames the full party snapshot:
// type(1) || party_id(16) || leader_id(16) || name_len(2 BE) || name ||
// member_count(2 BE) || member ids (16 each).
func partyInfoEvent(partyID, leaderID uuid.UUID, name string, members []uuid.UUID) []byte {
	if len(name) > 65535 {
		name = name[:65535]
	}
	payload := make([]byte, 0, 33+2+len(name)+2+len(members)*16)
	payload = append(payload, byte(streams.TypePartyInfo))
	payload = append(payload, partyID[:]...)
	payload = append(payload, leaderID[:]...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(name)))
	payload = append(payload, name...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(members)))
	for _, member := range members {
		payload = append(payload, member[:]...)
	}
	return payload
}
