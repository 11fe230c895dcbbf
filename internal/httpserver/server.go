// Package httpserver provides the OpenAI-compatible HTTP surface. It exposes
// POST /v1/chat/completions, which drives one speculative-loop request to
// completion, and GET /health for readiness.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/trentpierce/shard/internal/config"
	"github.com/trentpierce/shard/internal/engine"
	"github.com/trentpierce/shard/internal/goldenticket"
	"github.com/trentpierce/shard/internal/shardrr"
	"github.com/trentpierce/shard/internal/speculative"
)

// Generator is the subset of *speculative.Loop the server needs: one
// generation per request, never reused.
type Generator interface {
	Generate(ctx context.Context, requestID, prompt string, maxTokens int) <-chan speculative.Chunk
}

// EngineFactory builds a fresh engine handle and a bound Generator for one
// request. The server owns closing the handle once Generate's channel is
// drained — one handle per request, never shared.
type EngineFactory func() (*engine.Handle, Generator, error)

// Server wraps an *http.Server wired to one EngineFactory.
type Server struct {
	httpSrv *http.Server
	factory EngineFactory
	cfg     *config.Config
	logger  *slog.Logger
}

// New constructs a Server. The underlying http.Server is created but not
// started; call ListenAndServe to begin accepting connections.
func New(cfg *config.Config, factory EngineFactory, logger *slog.Logger) *Server {
	s := &Server{factory: factory, cfg: cfg, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      loggingMiddleware(logger, r),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server; it blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpserver: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	return nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// handleChatCompletions drives one speculative-loop request to completion
// and returns the concatenated text as a single (non-streaming) response.
// Streaming SSE output belongs to the full HTTP surface this package stands
// in for, not to this core-scoped collaborator.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid JSON body: %s", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages array must not be empty")
		return
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	eng, gen, err := s.factory()
	if err != nil {
		s.logger.Error("engine factory failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
		return
	}
	defer eng.Close()

	prompt := flatten(req.Messages)
	requestID := goldenticket.NewRequestID()

	var builder strings.Builder
	for chunk := range gen.Generate(r.Context(), requestID, prompt, maxTokens) {
		if chunk.Err != nil {
			if shardrr.Fatal(chunk.Err) {
				s.logger.Error("generation failed", slog.String("request_id", requestID), slog.String("error", chunk.Err.Error()))
			} else {
				s.logger.Warn("generation ended early", slog.String("request_id", requestID), slog.String("error", chunk.Err.Error()))
			}
			env := shardrr.NewEnvelope(chunk.Err)
			writeError(w, http.StatusInternalServerError, env.Kind, env.Message)
			return
		}
		builder.Write(chunk.Piece)
	}

	resp := chatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: builder.String()},
			FinishReason: "stop",
		}},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// flatten renders a chat message list into a single prompt string the way a
// minimal role-header scheme would; a full chat-template renderer is part
// of the out-of-scope HTTP surface, not this core.
func flatten(messages []chatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", lrw.statusCode),
			slog.Duration("latency", time.Since(start)),
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Message: message, Type: errType}})
}
