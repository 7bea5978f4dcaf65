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

// Package party keeps party membership and invites in redis and fans
// party broadcasts out to member subjects.
package party

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// partyTTL is refreshed on every touch; an untouched party expires
// after a week.
const partyTTL = 7 * 24 * time.Hour

var (
	// ErrNoInvite is returned when accepting an invite that does not
	// exist or has expired.
	ErrNoInvite = errors.New("no invite for this party")
	// ErrNotMember is returned when leaving or kicking a user who is
	// not in the party.
	ErrNotMember = errors.New("user is not a member of this party")
)

// The braces make each user's and party's keys hash to the same
// cluster slot.
func userPartyKey(userID uuid.UUID) string {
	return fmt.Sprintf("user_id:{%s}:party", userID)
}

func userInvitesKey(userID uuid.UUID) string {
	return fmt.Sprintf("user_id:{%s}:invites", userID)
}

func partyInfoKey(partyID uuid.UUID) string {
	return fmt.Sprintf("party:{%s}:info", partyID)
}

func partyMembersKey(partyID uuid.UUID) string {
	return fmt.Sprintf("party:{%s}:members", partyID)
}

// joinScript moves a user into a party, leaving any previous party
// first, in a single atomic step.
// KEYS[1] user party pointer, KEYS[2] new members set.
// ARGV[1] user id, ARGV[2] party id, ARGV[3] ttl millis.
//
// The join and accept scripts build the OLD party's keys from the
// stored pointer value instead of receiving them via KEYS, since the
// old party is unknown to the caller. That requires a standalone
// redis; under cluster mode the derived keys may live in another slot.
var joinScript = redis.NewScript(`local current = redis.call("GET", KEYS[1])
if current and current ~= ARGV[2] then
    local old = "party:{" .. current .. "}:members"
    redis.call("SREM", old, ARGV[1])
    if redis.call("SCARD", old) == 0 then
        redis.call("DEL", old, "party:{" .. current .. "}:info")
    end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return 1`)

// acceptScript consumes an invite and joins the party; without a
// pending invite the join is refused.
// KEYS[1] invites hash, KEYS[2] user party pointer, KEYS[3] members.
// ARGV[1] user id, ARGV[2] party id, ARGV[3] ttl millis.
var acceptScript = redis.NewScript(`if redis.call("HDEL", KEYS[1], ARGV[2]) == 0 then
    return 0
end
local current = redis.call("GET", KEYS[2])
if current and current ~= ARGV[2] then
    local old = "party:{" .. current .. "}:members"
    redis.call("SREM", old, ARGV[1])
    if redis.call("SCARD", old) == 0 then
        redis.call("DEL", old, "party:{" .. current .. "}:info")
    end
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("PEXPIRE", KEYS[3], ARGV[3])
return 1`)

// removeScript takes a user out of a party, deleting the party's keys
// once the last member is gone.
// KEYS[1] user party pointer, KEYS[2] members set, KEYS[3] info hash.
// ARGV[1] user id, ARGV[2] party id.
var removeScript = redis.NewScript(`if redis.call("SREM", KEYS[2], ARGV[1]) == 0 then
    return 0
end
local current = redis.call("GET", KEYS[1])
if current == ARGV[2] then
    redis.call("DEL", KEYS[1])
end
if redis.call("SCARD", KEYS[2]) == 0 then
    redis.call("DEL", KEYS[2], KEYS[3])
end
return 1`)

// Store keeps party state in redis.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Create starts a new party led by leader and returns its id. The
// leader leaves their previous party.
func (s *Store) Create(ctx context.Context, leader uuid.UUID, name string) (uuid.UUID, error) {
	partyID := uuid.New()
	if err := s.rdb.HSet(ctx, partyInfoKey(partyID),
		"name", name,
		"leader", leader.String(),
		"created_at", time.Now().UTC().Format(time.RFC3339),
	).Err(); err != nil {
		return uuid.Nil, fmt.Errorf("store party info: %w", err)
	}
	if err := s.rdb.PExpire(ctx, partyInfoKey(partyID), partyTTL).Err(); err != nil {
		return uuid.Nil, fmt.Errorf("expire party info: %w", err)
	}
	if err := s.join(ctx, leader, partyID); err != nil {
		return uuid.Nil, err
	}
	return partyID, nil
}

func (s *Store) join(ctx context.Context, userID, partyID uuid.UUID) error {
	err := joinScript.Run(ctx, s.rdb,
		[]string{userPartyKey(userID), partyMembersKey(partyID)},
		userID.String(), partyID.String(), partyTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("join party: %w", err)
	}
	return nil
}

// Invite records a pending invite for the invitee, keyed by party with
// the sender as value.
func (s *Store) Invite(ctx context.Context, partyID, sender, invitee uuid.UUID) error {
	key := userInvitesKey(invitee)
	if err := s.rdb.HSet(ctx, key, partyID.String(), sender.String()).Err(); err != nil {
		return fmt.Errorf("store invite: %w", err)
	}
	if err := s.rdb.PExpire(ctx, key, partyTTL).Err(); err != nil {
		return fmt.Errorf("expire invites: %w", err)
	}
	return nil
}

// Invites lists the user's pending invites as party id to sender id.
func (s *Store) Invites(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	raw, err := s.rdb.HGetAll(ctx, userInvitesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	if len(raw) > 0 {
		if err := s.rdb.PExpire(ctx, userInvitesKey(userID), partyTTL).Err(); err != nil {
			return nil, fmt.Errorf("refresh invites: %w", err)
		}
	}
	invites := make(map[uuid.UUID]uuid.UUID, len(raw))
	for party, sender := range raw {
		partyID, err := uuid.Parse(party)
		if err != nil {
			continue
		}
		senderID, err := uuid.Parse(sender)
		if err != nil {
			continue
		}
		invites[partyID] = senderID
	}
	return invites, nil
}

// AcceptInvite consumes a pending invite and joins the party in one
// atomic step, leaving any previous party.
func (s *Store) AcceptInvite(ctx context.Context, userID, partyID uuid.UUID) error {
	joined, err := acceptScript.Run(ctx, s.rdb,
		[]string{userInvitesKey(userID), userPartyKey(userID), partyMembersKey(partyID)},
		userID.String(), partyID.String(), partyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("accept invite: %w", err)
	}
	if joined == 0 {
		return ErrNoInvite
	}
	return nil
}

// Leave removes the user from their current party.
func (s *Store) Leave(ctx context.Context, userID uuid.UUID) error {
	partyID, ok, err := s.CurrentParty(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return s.remove(ctx, userID, partyID)
}

// Kick removes a user from a specific party.
func (s *Store) Kick(ctx context.Context, partyID, userID uuid.UUID) error {
	return s.remove(ctx, userID, partyID)
}

func (s *Store) remove(ctx context.Context, userID, partyID uuid.UUID) error {
	removed, err := removeScript.Run(ctx, s.rdb,
		[]string{userPartyKey(userID), partyMembersKey(partyID), partyInfoKey(partyID)},
		userID.String(), partyID.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("leave party: %w", err)
	}
	if removed == 0 {
		return ErrNotMember
	}
	return nil
}

// CurrentParty returns the party the user belongs to, refreshing its
// TTL on the way.
func (s *Store) CurrentParty(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	raw, err := s.rdb.Get(ctx, userPartyKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("get current party: %w", err)
	}
	partyID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse stored party id: %w", err)
	}
	if err := s.rdb.PExpire(ctx, userPartyKey(userID), partyTTL).Err(); err != nil {
		return uuid.Nil, false, fmt.Errorf("refresh party pointer: %w", err)
	}
	return partyID, true, nil
}

// Members lists the party's members, refreshing the set's TTL.
func (s *Store) Members(ctx context.Context, partyID uuid.UUID) ([]uuid.UUID, error) {
	raw, err := s.rdb.SMembers(ctx, partyMembersKey(partyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if len(raw) > 0 {
		if err := s.rdb.PExpire(ctx, partyMembersKey(partyID), partyTTL).Err(); err != nil {
			return nil, fmt.Errorf("refresh members: %w", err)
		}
	}
	members := make([]uuid.UUID, 0, len(raw))
	for _, entry := range raw {
		id, err := uuid.Parse(entry)
		if err != nil {
			continue
		}
		members = append(members, id)
	}
	return members, nil
}

// Info returns the party's info hash, or ok=false when the party does
// not exist.
func (s *Store) Info(ctx context.Context, partyID uuid.UUID) (map[string]string, bool, error) {
	info, err := s.rdb.HGetAll(ctx, partyInfoKey(partyID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get party info: %w", err)
	}
	if len(info) == 0 {
		return nil, false, nil
	}
	if err := s.rdb.PExpire(ctx, partyInfoKey(partyID), partyTTL).Err(); err != nil {
		return nil, false, fmt.Errorf("refresh party info: %w", err)
	}
	return info, true, nil
}
