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

// Package streams holds the broker subject layout and the binary
// message-type discriminators shared by the websocket service, the
// party router and the analysis pipeline.
package streams

import "fmt"

// MessageType is the first byte of every websocket-bound broker payload.
type MessageType byte

const (
	TypeMessage MessageType = iota
	TypeTyping
	TypeStopTyping
	TypeMemberJoined
	TypeMemberLeft
	TypePartyInfo
	TypeInvite
)

func (t MessageType) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeTyping:
		return "typing"
	case TypeStopTyping:
		return "stop_typing"
	case TypeMemberJoined:
		return "member_joined"
	case TypeMemberLeft:
		return "member_left"
	case TypePartyInfo:
		return "party_info"
	case TypeInvite:
		return "invite"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// LeaveReason annotates MemberLeft payloads.
type LeaveReason byte

const (
	LeaveLeft LeaveReason = iota
	LeaveKicked
)

// JetStream stream names backing the durable analysis subjects.
const (
	StreamWadAnalysis = "WAD_ANALYSIS"
	StreamMapAnalysis = "MAP_ANALYSIS"
)

// MasterChannel is the redis pub/sub channel carrying process-wide
// broadcasts that every websocket session receives.
const MasterChannel = "dorch.master"

// UserSubject is the per-user transient fan-out subject.
func UserSubject(userID string) string {
	return fmt.Sprintf("dorch.user.%s", userID)
}

// PartySubject carries party broadcasts; the router fans them out to
// each member's user subject.
func PartySubject(partyID string) string {
	return fmt.Sprintf("dorch.party.%s", partyID)
}

// WadAnalysisSubject is the durable subject for top-level wad analysis.
func WadAnalysisSubject(wadID string) string {
	return fmt.Sprintf("dorch.wad.%s.analysis", wadID)
}

// MapAnalysisSubject is the durable subject for per-map analysis.
func MapAnalysisSubject(wadID, mapName string) string {
	return fmt.Sprintf("dorch.wad.%s.map.%s.analysis", wadID, mapName)
}

// ImagesSubject is the durable subject for the image pipeline.
func ImagesSubject(wadID string) string {
	return fmt.Sprintf("dorch.wad.%s.img", wadID)
}

// WadAnalysisMsgID is the dedup id for a top-level analysis dispatch.
func WadAnalysisMsgID(wadID string) string {
	return fmt.Sprintf("wad-analysis-%s", wadID)
}

// MapAnalysisMsgID is the dedup id for a per-map analysis dispatch.
func MapAnalysisMsgID(wadID, mapName string) string {
	return fmt.Sprintf("wad-%s-map-%s", wadID, mapName)
}

// ImagesMsgID is the dedup id for an image-pipeline dispatch.
func ImagesMsgID(wadID string) string {
	return fmt.Sprintf("wad-images-%s", wadID)
}
