// Package gateway serves the ledger's read API over HTTP: status, listing,
// recall, and explicit close. Chat-completion traffic is handled elsewhere;
// this surface exists for dashboards and operators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/recall/internal/config"
	"github.com/basket/recall/internal/ledger"
	"github.com/basket/recall/internal/shared"
)

// Config holds the dependencies for the gateway server.
type Config struct {
	Ledger *ledger.Ledger
	Logger *slog.Logger

	Gateway config.GatewayConfig

	// Fingerprint is the active config hash, exposed on /v1/status.
	Fingerprint string

	// Healthy reports backing-store health for /healthz. Nil means always
	// healthy.
	Healthy func(ctx context.Context) error
}

// Server is the read-only HTTP surface over the ledger.
type Server struct {
	cfg  Config
	log  *slog.Logger
	http *http.Server
	rl   *RateLimitMiddleware
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/close", s.handleCloseConversation)
	mux.HandleFunc("POST /v1/recall", s.handleRecall)

	s.rl = NewRateLimitMiddleware(cfg.Gateway.RateLimit, cfg.Ledger)
	auth := NewAuthMiddleware(cfg.Gateway.AuthTokens)
	cors := NewCORSMiddleware(cfg.Gateway.CORS)

	handler := cors(auth.Wrap(s.rl.Wrap(s.withRequestLog(mux))))
	s.http = &http.Server{
		Addr:              cfg.Gateway.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine and launches bucket
// eviction. Returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.rl.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	go func() {
		s.log.Info("gateway listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway serve failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests with the given context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.log.Debug("gateway request",
			"method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", shared.TraceID(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Healthy != nil {
		if err := s.cfg.Healthy(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":    false,
				"error": "store unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Ledger.GetStatus(r.Context())
	if err != nil {
		s.internalError(w, "status", err)
		return
	}
	counts, err := s.cfg.Ledger.CountConversations(r.Context())
	if err != nil {
		s.internalError(w, "status counts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             snap,
		"conversations":      counts,
		"config_fingerprint": s.cfg.Fingerprint,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.cfg.Ledger.ListConversations(r.Context())
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if raw := r.URL.Query().Get("messages"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "messages must be a non-negative integer"})
			return
		}
		conv, messages, err := s.cfg.Ledger.GetConversationWithMessages(r.Context(), id, limit)
		if err != nil {
			s.internalError(w, "get conversation", err)
			return
		}
		if conv == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": messages})
		return
	}

	conv, err := s.cfg.Ledger.GetConversation(r.Context(), id)
	if err != nil {
		s.internalError(w, "get conversation", err)
		return
	}
	if conv == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// An empty body is fine; reason defaults below.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	reason := body.Reason
	if reason == "" {
		reason = "explicit"
	}

	err := s.cfg.Ledger.CloseConversation(r.Context(), id, reason)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
	case errors.Is(err, ledger.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case err != nil:
		s.internalError(w, "close conversation", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"closed": true, "conversation_id": id})
	}
}

// recallRequest is the wire shape of POST /v1/recall.
type recallRequest struct {
	Token           string   `json:"token,omitempty"`
	ConversationID  string   `json:"conversation_id,omitempty"`
	Place           string   `json:"place,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	TimeRange       *struct {
		Since *time.Time `json:"since,omitempty"`
		Until *time.Time `json:"until,omitempty"`
	} `json:"time_range,omitempty"`
	Limit           int  `json:"limit,omitempty"`
	IncludeMessages bool `json:"include_messages,omitempty"`
	MessageLimit    int  `json:"message_limit,omitempty"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	q := ledger.RecallQuery{
		Token:           req.Token,
		ConversationID:  req.ConversationID,
		Place:           req.Place,
		Keywords:        req.Keywords,
		Limit:           req.Limit,
		IncludeMessages: req.IncludeMessages,
		MessageLimit:    req.MessageLimit,
	}
	if req.TimeRange != nil {
		if req.TimeRange.Since != nil {
			q.TimeRange.Since = *req.TimeRange.Since
		}
		if req.TimeRange.Until != nil {
			q.TimeRange.Until = *req.TimeRange.Until
		}
	}

	results, err := s.cfg.Ledger.RecallConversation(r.Context(), q)
	if err != nil {
		s.internalError(w, "recall", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("gateway handler failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
