// Copyright 2025 Tom Barlow
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

// Package api serves the REST facade: task CRUD and lifecycle transitions,
// run history, event publication, worker census, health, and metrics.
//
// The facade writes task rows and calls the scheduler hooks. It never
// touches due_work or runs directly; run_now and snooze go through the
// scheduler so every queue effect has one owner.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/baton/internal/events"
	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/scheduler"
	"github.com/tombee/baton/internal/store"
)

// DefaultListenAddr is where the daemon binds the API when no address is
// configured.
const DefaultListenAddr = ":8430"

const readHeaderTimeout = 10 * time.Second

// Server is the HTTP front end over the store and scheduler.
type Server struct {
	store  store.Store
	sched  *scheduler.Scheduler
	pub    *events.Publisher
	logger *slog.Logger
	clock  func() time.Time
	addr   string
	keys   []string
	ping   func(context.Context) error

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithListenAddr sets the bind address (host:port).
func WithListenAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAPIKeys enables static bearer-key auth. With no keys every request
// is anonymous, for deployments that put their own gateway in front.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) { s.keys = keys }
}

// WithPublisher wires the event-publication endpoint. Without it,
// POST /v1/events reports the bus as unavailable.
func WithPublisher(pub *events.Publisher) Option {
	return func(s *Server) { s.pub = pub }
}

// WithPing sets the dependency probe reported by /v1/health, usually the
// store's Ping.
func WithPing(fn func(context.Context) error) Option {
	return func(s *Server) { s.ping = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.clock = now }
}

// New builds the server. The scheduler must be non-nil: every mutation
// that affects fire times goes through its hooks.
func New(st store.Store, sched *scheduler.Scheduler, opts ...Option) *Server {
	s := &Server{
		store:  st,
		sched:  sched,
		logger: slog.Default(),
		clock:  time.Now,
		addr:   DefaultListenAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "api"))
	return s
}

// Handler assembles the route table and middleware chain. Exposed so
// tests can drive the API through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /v1/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("POST /v1/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /v1/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /v1/tasks/{id}/snooze", s.handleSnoozeTask)
	mux.HandleFunc("POST /v1/tasks/{id}/run_now", s.handleRunNow)
	mux.HandleFunc("GET /v1/tasks/{id}/runs", s.handleListTaskRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/events", s.handlePublishEvent)
	mux.HandleFunc("GET /v1/workers", s.handleListWorkers)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	requestLog := log.NewHTTPMiddleware(s.logger)
	requestLog.OnComplete(metrics.RecordAPIRequest)

	var h http.Handler = mux
	h = s.withAuth(h)
	h = requestLog.Handler(h)
	h = withCorrelation(h)
	h = s.withRecover(h)
	return h
}

// Start binds the listener and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding api listener on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server exited", slog.Any("error", err))
		}
	}()

	s.logger.Info("api listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("auth", len(s.keys) > 0))
	return nil
}

// Addr returns the bound listener address, or "" before Start. With a
// ":0" listen address this is how callers learn the assigned port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
