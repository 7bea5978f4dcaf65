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

package gameinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"
)

// Server exposes the internal game info API. Game servers post their
// state here; every accepted update is announced on the master channel.
type Server struct {
	Store *Store
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/game/{id}/info", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/game/{id}/info", s.handleSet).Methods(http.MethodPost)
	r.HandleFunc("/game/{id}/info", s.handleDelete).Methods(http.MethodDelete)
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
		klog.InfoS("starting game info server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down game info server: %w", err)
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

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["id"]
	info, ok, err := s.Store.Get(r.Context(), gameID)
	if err != nil {
		klog.ErrorS(err, "failed to read game info", "gameID", gameID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["id"]
	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Store.Set(r.Context(), gameID, fields); err != nil {
		klog.ErrorS(err, "failed to store game info", "gameID", gameID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["id"]
	if err := s.Store.Delete(r.Context(), gameID); err != nil {
		klog.ErrorS(err, "failed to delete game info", "gameID", gameID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
