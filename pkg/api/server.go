// Package api serves a graph over HTTP: node reads, batched commits, a
// change feed backed by a watch subscription, and webhook registration.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/graphkit/pkg/engine"
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

// Server encapsulates the HTTP API server
type Server struct {
	graph    *graph.Graph
	registry *watch.Registry
	feed     *watch.Feed
	server   *http.Server
	logger   *slog.Logger

	mu       sync.Mutex
	webhooks map[string]*registeredWebhook
}

type registeredWebhook struct {
	hook   *engine.Webhook
	handle watch.Handle
	req    WebhookRequest
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server instance. feed backs /v1/changes; the
// caller subscribes it to the registry.
func NewServer(g *graph.Graph, reg *watch.Registry, feed *watch.Feed, addr string, opts ...Option) *Server {
	s := &Server{
		graph:    g,
		registry: reg,
		feed:     feed,
		logger:   slog.Default(),
		webhooks: make(map[string]*registeredWebhook),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("GET /v1/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("POST /v1/commit", s.handleCommit)
	mux.HandleFunc("GET /v1/changes", s.handleChanges)
	mux.HandleFunc("POST /v1/webhooks", s.handleCreateWebhook)
	mux.HandleFunc("GET /v1/webhooks", s.handleListWebhooks)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", s.handleDeleteWebhook)

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := s.withLogging(s.withRecovery(withSecureHeaders(mux)))

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server and its webhooks.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server stopping")
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for id, wh := range s.webhooks {
		s.registry.Unsubscribe(wh.handle)
		wh.hook.Close()
		delete(s.webhooks, id)
	}
	s.mu.Unlock()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Graph:   s.graph.Name(),
		Seq:     s.graph.Seq(),
		Nodes:   s.graph.Len(),
	})
}

// handleListNodes returns committed nodes matching the optional expr and
// kind query parameters.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := predicate.Parse(q.Get("expr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_expr", err)
		return
	}
	kind := graph.Kind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_kind", nil)
		return
	}
	limit, err := parseLimit(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err)
		return
	}

	nodes := []graph.Snapshot{}
	for _, n := range s.graph.Nodes() {
		if kind != "" && n.Kind != kind {
			continue
		}
		if !predicate.MatchSnapshot(p, n) {
			continue
		}
		nodes = append(nodes, n)
		if limit > 0 && len(nodes) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := graph.ID(r.PathValue("id"))
	n, ok := s.graph.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node_not_found", nil)
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Node: n, Bonds: s.graph.Bonds(id)})
}

// handleCommit applies a batch of mutations in a fresh context and waits
// for the commit.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", err)
		return
	}
	if len(req.Mutations) == 0 {
		writeError(w, http.StatusBadRequest, "no_mutations", nil)
		return
	}

	c := s.graph.NewContext()
	created, err := applyMutations(c, req.Mutations)
	if err != nil {
		c.Discard()
		status := http.StatusBadRequest
		if errors.Is(err, graph.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "invalid_mutation", err)
		return
	}

	if err := c.CommitWait(r.Context()); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, graph.ErrInvalidMutation):
			status = http.StatusConflict
		case errors.Is(err, graph.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("commit failed", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, status, "commit_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, CommitResponse{Seq: s.graph.Seq(), Created: created})
}

// handleChanges pages through the change feed. With tail=n it returns the
// newest n matching entries instead.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := predicate.Parse(q.Get("expr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_expr", err)
		return
	}
	var since int64
	if v := q.Get("since"); v != "" {
		since, err = strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			writeError(w, http.StatusBadRequest, "invalid_since", err)
			return
		}
	}
	limit, err := parseLimit(q.Get("limit"), defaultChangesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err)
		return
	}

	var (
		changes []watch.FeedEntry
		next    int64
	)
	if v := q.Get("tail"); v != "" {
		n, err := parseLimit(v, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tail", err)
			return
		}
		next = s.feed.Last()
		changes = s.feed.Tail(min(n, maxChangesLimit), p)
	} else {
		changes, next = s.feed.Since(since, min(limit, maxChangesLimit), p)
	}
	if changes == nil {
		changes = []watch.FeedEntry{}
	}
	writeJSON(w, http.StatusOK, ChangesResponse{Changes: changes, Next: next})
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative limit %d", n)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := errorResponse{Error: code}
	if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}
