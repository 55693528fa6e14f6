// Package httpapi exposes the ledger over HTTP: push and pull of operation
// batches per board, a websocket event stream, and admin diagnostics.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/openboards/boardsync/internal/board"
	"github.com/openboards/boardsync/internal/ledger"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	ledger      *ledger.Ledger
	cfg         ServerConfig
	events      *eventHub
	rateLimiter *rateLimiter
	startedAt   time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(led *ledger.Ledger) *Server {
	return NewServerWithConfig(led, ServerConfig{})
}

func NewServerWithConfig(led *ledger.Ledger, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		ledger:      led,
		cfg:         cfg,
		events:      newEventHub(),
		rateLimiter: limiter,
		startedAt:   time.Now().UTC(),
	}
	led.SetListener(func(entry ledger.Entry) {
		metrics().opsApplied.Add(float64(len(entry.Ops)))
		s.events.publish(entry)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet {
		s.handleAdminStatus(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "boards" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	boardID := parts[2]

	var requiredRole string
	var route string
	switch {
	case parts[3] == "ops" && r.Method == http.MethodPost:
		requiredRole = RoleEditor
		route = "push"
	case parts[3] == "ops" && r.Method == http.MethodGet:
		requiredRole = RoleViewer
		route = "pull"
	case parts[3] == "snapshot" && r.Method == http.MethodGet:
		requiredRole = RoleViewer
		route = "snapshot"
	case parts[3] == "events" && r.Method == http.MethodGet:
		requiredRole = RoleViewer
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredRole, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "events" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := boardID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "push":
		s.handlePush(w, r, boardID, correlationID)
	case "pull":
		s.handlePull(w, r, boardID, correlationID)
	case "snapshot":
		s.handleSnapshot(w, r, boardID, correlationID)
	case "events":
		s.handleEvents(w, r, boardID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type pushRequest struct {
	ClientRevision int64     `json:"clientRevision"`
	Ops            board.Ops `json:"ops"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		metrics().pushTotal.WithLabelValues("rejected").Inc()
		return
	}
	if err := validatePushBody(body); err != nil {
		metrics().pushTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid push body: "+err.Error(), correlationID)
		return
	}
	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics().pushTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	start := time.Now()
	revision, err := s.ledger.Apply(r.Context(), boardID, req.Ops, req.ClientRevision)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidInput) {
			metrics().pushTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		metrics().pushTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	metrics().applySeconds.Observe(time.Since(start).Seconds())
	metrics().pushTotal.WithLabelValues("ok").Inc()

	writeJSON(w, http.StatusOK, struct {
		BoardID        string `json:"boardId"`
		ServerRevision int64  `json:"serverRevision"`
		AcceptedOps    int    `json:"acceptedOps"`
	}{
		BoardID:        boardID,
		ServerRevision: revision,
		AcceptedOps:    len(req.Ops),
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		metrics().pullTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since query", correlationID)
		return
	}
	ops, revision, err := s.ledger.Pull(r.Context(), boardID, since)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidInput) {
			metrics().pullTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		metrics().pullTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	metrics().pullTotal.WithLabelValues("ok").Inc()
	if ops == nil {
		ops = board.Ops{}
	}
	writeJSON(w, http.StatusOK, struct {
		BoardID        string    `json:"boardId"`
		Ops            board.Ops `json:"ops"`
		ServerRevision int64     `json:"serverRevision"`
	}{
		BoardID:        boardID,
		Ops:            ops,
		ServerRevision: revision,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	snapshot, revision, err := s.ledger.Snapshot(r.Context(), boardID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "board not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Board    *board.Board `json:"board"`
		Revision int64        `json:"revision"`
	}{
		Board:    snapshot,
		Revision: revision,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, boardID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Returns when the client disconnects or the request context ends.
	_ = s.streamEvents(r.Context(), conn, boardID)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, RoleAdmin, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	revisions, err := s.ledger.Revisions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		StartedAt     time.Time        `json:"startedAt"`
		BoardCount    int              `json:"boardCount"`
		StreamClients int              `json:"streamClients"`
		Boards        map[string]int64 `json:"boards"`
	}{
		StartedAt:     s.startedAt,
		BoardCount:    len(revisions),
		StreamClients: s.events.clients(),
		Boards:        revisions,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func parseSince(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || parsed < 0 {
		return 0, errors.New("since must be a non-negative integer")
	}
	return parsed, nil
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
