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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/beebs-dev/dorch/pkg/streams"
)

// Subscriber opens a subscription to a broker subject and returns a
// payload channel plus a stop function.
type Subscriber interface {
	Subscribe(subject string) (<-chan []byte, func(), error)
}

// Server exposes the websocket gateway: the authenticated handshake
// endpoint, the upgrade endpoint, and health probes.
type Server struct {
	Handshakes  *HandshakeStore
	Auth        *Authenticator
	Validator   Validator
	Publisher   Publisher
	Subscriber  Subscriber
	Parties     PartyResolver
	Limiter     Limiter
	Broadcaster *Broadcaster

	upgrader websocket.Upgrader
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Browsers connect from a different origin than the gateway.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/auth", s.handleBeginHandshake).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
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
		klog.InfoS("starting websocket gateway", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down gateway: %w", err)
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

type beginHandshakeRequest struct {
	Key      string    `json:"key"`
	Nonce    string    `json:"nonce"`
	DeviceID uuid.UUID `json:"device_id"`
}

func (s *Server) handleBeginHandshake(w http.ResponseWriter, r *http.Request) {
	userID, err := s.bearerUser(r)
	if err != nil {
		klog.V(2).InfoS("handshake rejected", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req beginHandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(req.Nonce)
	if err != nil {
		http.Error(w, "invalid nonce", http.StatusBadRequest)
		return
	}
	klog.V(2).InfoS("starting handshake", "userID", userID, "deviceID", req.DeviceID)
	connID, err := s.Handshakes.Begin(r.Context(), Handshake{
		UserID:   userID,
		Key:      key,
		Nonce:    nonce,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		klog.ErrorS(err, "failed to store handshake", "userID", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(connID.String()))
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	connID, err := uuid.Parse(query.Get("c"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	hs, err := s.Auth.AuthConn(r.Context(), connID, query.Get("p"))
	if err != nil {
		klog.V(2).InfoS("websocket authentication failed", "connID", connID, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	transients, stopTransients, err := s.Subscriber.Subscribe(streams.UserSubject(hs.UserID.String()))
	if err != nil {
		klog.ErrorS(err, "failed to subscribe to user subject", "userID", hs.UserID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer stopTransients()
	master, stopMaster := s.Broadcaster.Subscribe()
	defer stopMaster()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.ErrorS(err, "websocket upgrade failed", "userID", hs.UserID)
		return
	}
	session := &Session{
		UserID:     hs.UserID,
		DeviceID:   hs.DeviceID,
		ConnID:     connID,
		Conn:       conn,
		Publisher:  s.Publisher,
		Parties:    s.Parties,
		Limiter:    s.Limiter,
		Transients: transients,
		Master:     master,
	}
	if err := session.Run(r.Context()); err != nil {
		klog.ErrorS(err, "websocket session ended with error",
			"userID", hs.UserID, "connID", connID)
	}
}
