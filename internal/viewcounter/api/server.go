// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the view counter over HTTP: article reads that record
// a view, count lookups, a manual flush trigger and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"viewcounter/internal/viewcounter/core"
)

// maxIDsPerLookup caps GET /articles?ids=...
const maxIDsPerLookup = 500

// Reader serves view totals.
type Reader interface {
	TotalViews(ctx context.Context, articleID int64) (int64, error)
	TotalViewsMany(ctx context.Context, ids []int64) (map[int64]int64, error)
}

// Flusher runs a flush cycle on demand.
type Flusher interface {
	TriggerNow(ctx context.Context) (core.Report, error)
}

// ReadinessCheck reports whether backing stores are reachable.
type ReadinessCheck func(ctx context.Context) error

// Options configures request handling.
type Options struct {
	SessionCookie     string
	TrustedUserHeader string
}

// Server routes HTTP requests to the view counter.
type Server struct {
	router   *mux.Router
	admin    *mux.Router
	recorder Recorder
	reader   Reader
	flusher  Flusher
	ready    ReadinessCheck
	opts     Options
	logger   *zap.Logger
}

// NewServer wires the routes. ready may be nil.
func NewServer(recorder Recorder, reader Reader, flusher Flusher, ready ReadinessCheck, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:   mux.NewRouter(),
		admin:    mux.NewRouter(),
		recorder: recorder,
		reader:   reader,
		flusher:  flusher,
		ready:    ready,
		opts:     opts,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(RequestID, Logging(s.logger), Recovery(s.logger), TrustedUserHeader(s.opts.TrustedUserHeader))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	record := RecordView(s.recorder, s.opts.SessionCookie)
	s.router.Handle("/articles/{id:[0-9]+}", record(http.HandlerFunc(s.handleViews))).Methods(http.MethodGet)
	s.router.HandleFunc("/articles/{id:[0-9]+}/views", s.handleViews).Methods(http.MethodGet)
	s.router.HandleFunc("/articles", s.handleViewsMany).Methods(http.MethodGet)

	// Operator endpoints are kept off the public router; see AdminHandler.
	s.admin.Use(RequestID, Logging(s.logger), Recovery(s.logger))
	s.admin.HandleFunc("/admin/flush", s.handleFlush).Methods(http.MethodPost)

	for _, r := range []*mux.Router{s.router, s.admin} {
		r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
		r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		})
	}
}

// Handler returns the public handler.
func (s *Server) Handler() http.Handler { return s.router }

// AdminHandler serves the /admin/ routes. Mount it on an internal listener
// only; it carries no authentication.
func (s *Server) AdminHandler() http.Handler { return s.admin }

// NewHTTPServer returns an *http.Server for addr serving s.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type articleViews struct {
	ID    int64 `json:"id"`
	Views int64 `json:"views"`
}

// handleViews serves the total for one article. On GET /articles/{id} it runs
// after RecordView, so the response already includes this visit.
func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid article id")
		return
	}
	total, err := s.reader.TotalViews(r.Context(), id)
	switch {
	case errors.Is(err, core.ErrArticleNotFound):
		writeError(w, http.StatusNotFound, "article not found")
		return
	case err != nil:
		s.logger.Error("read views failed", zap.Int64("article_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "views unavailable")
		return
	}
	writeJSON(w, http.StatusOK, articleViews{ID: id, Views: total})
}

func (s *Server) handleViewsMany(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Query().Get("ids")
	if param == "" {
		writeError(w, http.StatusBadRequest, "ids query parameter is required")
		return
	}
	raw := strings.Split(param, ",")
	if len(raw) > maxIDsPerLookup {
		writeError(w, http.StatusBadRequest, "too many ids")
		return
	}
	ids := make([]int64, 0, len(raw))
	for _, part := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid article id: "+part)
			return
		}
		ids = append(ids, id)
	}
	totals, err := s.reader.TotalViewsMany(r.Context(), ids)
	if err != nil {
		s.logger.Error("read views failed", zap.Int("ids", len(ids)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "views unavailable")
		return
	}
	out := make([]articleViews, 0, len(totals))
	for _, id := range ids {
		if v, ok := totals[id]; ok {
			out = append(out, articleViews{ID: id, Views: v})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": out})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	rep, err := s.flusher.TriggerNow(r.Context())
	switch {
	case errors.Is(err, core.ErrFlushInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("manual flush failed", zap.String("cycle_id", rep.CycleID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
