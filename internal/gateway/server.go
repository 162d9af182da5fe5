package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/estatebuddy/estatevoice/internal/health"
	"github.com/estatebuddy/estatevoice/internal/observe"
)

// turnBudget bounds one assistant turn end to end, tool calls included.
const turnBudget = 30 * time.Second

// corsHeaders are applied to every function response so browser-based
// clients can call the gateway directly.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, X-Client-Info, Apikey",
	"Access-Control-Max-Age":       "86400",
}

// ServerOption is a functional option for [NewServer].
type ServerOption func(*Server)

// WithHealthHandler mounts the health endpoints on the server.
func WithHealthHandler(h *health.Handler) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts a metrics scrape endpoint at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithMiddleware wraps the route table in mw. Used to attach request
// tracing and latency instrumentation.
func WithMiddleware(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = mw }
}

// WithTLS serves HTTPS using the given certificate pair.
func WithTLS(certFile, keyFile string) ServerOption {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithTelemetry records token-fetch counters on the token endpoints.
func WithTelemetry(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.telemetry = m }
}

// Server is the backend function gateway. It exposes the token endpoints
// and the assistant under /functions/v1/, mirroring the paths the voice
// clients are built against.
type Server struct {
	assistant   *Assistant
	deepgramKey string
	heygen      Minter
	health      *health.Handler
	metrics     http.Handler
	telemetry   *observe.Metrics
	middleware  func(http.Handler) http.Handler
	certFile    string
	keyFile     string

	httpServer *http.Server
}

// NewServer assembles the gateway. deepgramKey is relayed to clients
// as-is; heygen mints per-session avatar tokens.
func NewServer(addr string, assistant *Assistant, deepgramKey string, heygen Minter, opts ...ServerOption) *Server {
	s := &Server{
		assistant:   assistant,
		deepgramKey: deepgramKey,
		heygen:      heygen,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the gateway's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /functions/v1/deepgram-token", s.withCORS(s.handleDeepgramToken))
	mux.HandleFunc("GET /functions/v1/heygen-token", s.withCORS(s.handleHeyGenToken))
	mux.HandleFunc("POST /functions/v1/openai-assistant", s.withCORS(s.handleAssistant))
	mux.HandleFunc("POST /functions/v1/conversation-summary", s.withCORS(s.handleSummary))
	mux.HandleFunc("OPTIONS /functions/v1/", s.withCORS(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.middleware != nil {
		return s.middleware(mux)
	}
	return mux
}

// ListenAndServe runs the gateway until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpServer.Addr, "tls", s.certFile != "")
		if s.certFile != "" {
			errCh <- s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
			return
		}
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// withCORS applies the CORS headers and short-circuits preflights.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleDeepgramToken(w http.ResponseWriter, r *http.Request) {
	if s.deepgramKey == "" {
		s.recordTokenFetch(r.Context(), "deepgram", "error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "transcription key not configured",
		})
		return
	}
	s.recordTokenFetch(r.Context(), "deepgram", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"key": s.deepgramKey})
}

func (s *Server) handleHeyGenToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.heygen.Mint(r.Context())
	if err != nil {
		slog.Error("avatar token mint failed", "err", err)
		s.recordTokenFetch(r.Context(), "heygen", "error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to mint avatar token",
		})
		return
	}
	s.recordTokenFetch(r.Context(), "heygen", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) recordTokenFetch(ctx context.Context, provider, status string) {
	if s.telemetry != nil {
		s.telemetry.RecordTokenFetch(ctx, provider, status)
	}
}

// assistantRequest is the wire shape of one turn request.
type assistantRequest struct {
	Message      string `json:"message"`
	ThreadID     string `json:"threadId"`
	SystemPrompt string `json:"systemPrompt"`
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	var req assistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Message is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnBudget)
	defer cancel()

	text, threadID, err := s.assistant.Respond(ctx, req.Message, req.ThreadID, req.SystemPrompt)
	if err != nil {
		slog.Error("assistant turn failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"text":     text,
		"threadId": threadID,
	})
}

// summaryRequest asks for a structured digest of a finished conversation.
// LeadID, when present, additionally files the extracted prospect in the
// CRM under that identifier.
type summaryRequest struct {
	Transcript string `json:"transcript"`
	LeadID     string `json:"leadId"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Transcript == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Transcript is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnBudget)
	defer cancel()

	summary, err := s.assistant.Summarize(ctx, req.Transcript)
	if err != nil {
		slog.Error("conversation summary failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to summarize conversation"})
		return
	}

	// Lead capture is best-effort: a CRM hiccup should not cost the caller
	// the summary it already paid a completion for.
	if req.LeadID != "" {
		if err := s.assistant.CaptureLead(ctx, req.LeadID, summary); err != nil {
			slog.Warn("lead capture from summary failed", "lead_id", req.LeadID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": summary,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "err", err)
	}
}
