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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/streams"
)

// Validator authenticates a bearer token and returns its claims.
type Validator interface {
	Validate(ctx context.Context, token string) (jwt.MapClaims, error)
}

// Server exposes the party HTTP API. Membership changes are written to
// the store and announced on the party subject, where the router fans
// them out to each remaining member; invites go straight to the
// invitee's user subject.
type Server struct {
	Store     *Store
	Pub       Publisher
	Validator Validator
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/party", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/party/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/party/{id}/invite", s.handleInvite).Methods(http.MethodPost)
	r.HandleFunc("/party/{id}/accept_invite", s.handleAcceptInvite).Methods(http.MethodPost)
	r.HandleFunc("/party/{id}/kick", s.handleKick).Methods(http.MethodPost)
	r.HandleFunc("/party/{id}/leave", s.handleLeave).Methods(http.MethodPost)
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		klog.InfoS("starting party server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down party server: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

// bearerUser authenticates the request's bearer token and returns the
// caller's user id.
func (s *Server) bearerUser(r *http.Request) (uuid.UUID, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return uuid.Nil, errors.New("missing bearer token")
	}
	claims, err := s.Validator.Validate(r.Context(), token)
	if err != nil {
		return uuid.Nil, err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, fmt.Errorf("token missing sub claim: %w", err)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id in sub claim: %w", err)
	}
	return userID, nil
}

func (s *Server) pathParty(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

type createPartyRequest struct {
	Name string `json:"name"`
}

type createPartyResponse struct {
	PartyID uuid.UUID `json:"party_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := s.bearerUser(r)
	if err != nil {
		klog.V(2).InfoS("party create rejected", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createPartyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	partyID, err := s.Store.Create(r.Context(), userID, req.Name)
	if err != nil {
		klog.ErrorS(err, "failed to create party", "userID", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.publishInfo(r.Context(), partyID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createPartyResponse{PartyID: partyID})
}

type partyResponse struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	LeaderID  uuid.UUID   `json:"leader_id"`
	Members   []uuid.UUID `json:"members"`
	CreatedAt string      `json:"created_at,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := s.bearerUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	partyID, err := s.pathParty(r)
	if err != nil {
		http.Error(w, "invalid party id", http.StatusBadRequest)
		return
	}
	info, members, ok, err := s.snapshot(r.Context(), partyID)
	if err != nil {
		klog.ErrorS(err, "failed to read party", "partyID", partyID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Non-members see no difference between a missing party and one
	// they were not invited to.
	if !ok || !contains(members, userID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	leaderID, _ := uuid.Parse(info["leader"])
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(partyResponse{
		ID:        partyID,
		Name:      info["name"],
		LeaderID:  leaderID,
		Members:   members,
		CreatedAt: info["created_at"],
	})
}

type inviteRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	senderID, err := s.bearerUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	partyID, err := s.pathParty(r)
	if err != nil {
		http.Error(w, "invalid party id", http.StatusBadRequest)
		return
	}
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Store.Invite(r.Context(), partyID, senderID, req.UserID); err != nil {
		klog.ErrorS(err, "failed to store invite", "partyID", partyID, "invitee", req.UserID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.Pub.Publish(streams.UserSubject(req.UserID.String()),
		memberEvent(streams.TypeInvite, partyID, senderID)); err != nil {
		klog.ErrorS(err, "failed to publish invite", "partyID", partyID, "invitee", req.UserID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	userID, err := s.bearerUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	partyID, err := s.pathParty(r)
	if err != nil {
		http.Error(w, "invalid party id", http.StatusBadRequest)
		return
	}
	if err := s.Store.AcceptInvite(r.Context(), userID, partyID); err != nil {
		if errors.Is(err, ErrNoInvite) {
			http.Error(w, "no invite for this party", http.StatusNotFound)
			return
		}
		klog.ErrorS(err, "failed to accept invite", "partyID", partyID, "userID", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.publishMembership(partyID, memberEvent(streams.TypeMemberJoined, partyID, userID))
	w.WriteHeader(http.StatusOK)
}

type kickRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	kickerID, err := s.bearerUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	partyID, err := s.pathParty(r)
	if err != nil {
		http.Error(w, "invalid party id", http.StatusBadRequest)
		return
	}
	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	info, ok, err := s.Store.Info(r.Context(), partyID)
	if err != nil {
		klog.ErrorS(err, "failed to read party info", "partyID", partyID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if info["leader"] != kickerID.String() {
		http.Error(w, "only the party leader can kick members", http.StatusForbidden)
		return
	}
	if err := s.Store.Kick(r.Context(), partyID, req.UserID); err != nil {
		if errors.Is(err, ErrNotMember) {
			http.Error(w, "user is not in party", http.StatusNotFound)
			return
		}
		klog.ErrorS(err, "failed to kick member", "partyID", partyID, "userID", req.UserID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.publishMembership(partyID, memberLeftEvent(partyID, req.UserID, streams.LeaveKicked))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID, err := s.bearerUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	partyID, err := s.pathParty(r)
	if err != nil {
		http.Error(w, "invalid party id", http.StatusBadRequest)
		return
	}
	current, ok, err := s.Store.CurrentParty(r.Context(), userID)
	if err != nil {
		klog.ErrorS(err, "failed to resolve current party", "userID", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok || current != partyID {
		http.Error(w, "user is not in party", http.StatusNotFound)
		return
	}
	if err := s.Store.Leave(r.Context(), userID); err != nil {
		if errors.Is(err, ErrNotMember) {
			http.Error(w, "user is not in party", http.StatusNotFound)
			return
		}
		klog.ErrorS(err, "failed to leave party", "partyID", partyID, "userID", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.publishMembership(partyID, memberLeftEvent(partyID, userID, streams.LeaveLeft))
	w.WriteHeader(http.StatusOK)
}

// publishMembership announces a membership change on the party subject.
// The store change already landed; a publish failure only costs the
// notification, so it is logged rather than surfaced.
func (s *Server) publishMembership(partyID uuid.UUID, payload []byte) {
	if err := s.Pub.Publish(streams.PartySubject(partyID.String()), payload); err != nil {
		klog.ErrorS(err, "failed to publish membership change", "partyID", partyID)
	}
}

// publishInfo broadcasts the party snapshot to its members.
func (s *Server) publishInfo(ctx context.Context, partyID uuid.UUID) {
	info, members, ok, err := s.snapshot(ctx, partyID)
	if err != nil || !ok {
		klog.ErrorS(err, "failed to snapshot party for broadcast", "partyID", partyID)
		return
	}
	leaderID, err := uuid.Parse(info["leader"])
	if err != nil {
		klog.ErrorS(err, "malformed leader id in party info", "partyID", partyID)
		return
	}
	s.publishMembership(partyID, partyInfoEvent(partyID, leaderID, info["name"], members))
}

func (s *Server) snapshot(ctx context.Context, partyID uuid.UUID) (map[string]string, []uuid.UUID, bool, error) {
	info, ok, err := s.Store.Info(ctx, partyID)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	members, err := s.Store.Members(ctx, partyID)
	if err != nil {
		return nil, nil, false, err
	}
	return info, members, true, nil
}

func contains(members []uuid.UUID, userID uuid.UUID) bool {
	for _, member := range members {
		if member == userID {
			return true
		}
	}
	return false
}
