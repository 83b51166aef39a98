// Package server exposes the design pipeline over HTTP: streamed chat
// with side-channel events, stage endpoints, and session queries.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ohm/internal/agent"
	"ohm/internal/keypool"
	"ohm/internal/llm"
	"ohm/internal/pipeline"
	"ohm/internal/store"
)

// Config wires the server's collaborators.
type Config struct {
	Orchestrator *pipeline.Orchestrator
	Chats        store.ChatStore
	Pool         *keypool.Pool
	Logger       *zap.Logger
}

// Server is the HTTP surface over the pipeline.
type Server struct {
	orch   *pipeline.Orchestrator
	chats  store.ChatStore
	pool   *keypool.Pool
	logger *zap.Logger
}

// New creates the server and its router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		orch:   cfg.Orchestrator,
		chats:  cfg.Chats,
		pool:   cfg.Pool,
		logger: cfg.Logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/blueprint", s.handleBlueprint)
		r.Post("/code", s.handleCode)
		r.Post("/verify", s.handleVerify)
		r.Post("/title", s.handleTitle)
		r.Get("/chats/{chatID}/messages", s.handleMessages)
		r.Get("/credentials/status", s.handleCredentialStatus)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
	Agent   string `json:"agent,omitempty"`
}

// handleChat streams the assistant's reply as server-sent events. Side
// channels ride along as named events: agent, tool_call, rotation,
// lock, done, error.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "message and chat_id are required")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.orch.Chat(r.Context(), req.ChatID, req.Message, pipeline.ChatOptions{
		ManualAgent: req.Agent,
		OnAgentSelected: func(name, intent string) {
			sse.send("agent", map[string]string{"agent": name, "intent": intent})
		},
		OnStream: func(text string) {
			sse.send("text", map[string]string{"delta": text})
		},
		OnToolCall: func(call llm.ToolCall) {
			sse.send("tool_call", call)
		},
		OnRotation: func(event keypool.RotationEvent) {
			sse.send("rotation", event)
		},
	})
	if err != nil {
		s.logger.Error("chat turn failed", zap.String("chat", req.ChatID), zap.Error(err))
		sse.send("error", map[string]string{"message": userMessage(err)})
		return
	}

	if result.LockDetected {
		sse.send("lock", map[string]bool{"blueprint_ready": true})
	}
	sse.send("done", map[string]any{
		"agent":      result.AgentName,
		"intent":     result.Intent,
		"tool_calls": len(result.ToolCalls),
	})
}

type blueprintRequest struct {
	ChatID string `json:"chat_id"`
	Owner  string `json:"owner,omitempty"`
}

func (s *Server) handleBlueprint(w http.ResponseWriter, r *http.Request) {
	var req blueprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if req.Owner == "" {
		req.Owner = req.ChatID
	}

	version, err := s.orch.GenerateBlueprint(r.Context(), req.ChatID, req.Owner)
	if err != nil {
		s.logger.Error("blueprint generation failed", zap.String("chat", req.ChatID), zap.Error(err))
		writeError(w, statusFor(err), userMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, version)
}

type codeRequest struct {
	ChatID        string `json:"chat_id"`
	Owner         string `json:"owner,omitempty"`
	BlueprintJSON string `json:"blueprint_json"`
}

// handleCode streams generated firmware as SSE text events, then a
// done event carrying the persisted version.
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.BlueprintJSON == "" {
		writeError(w, http.StatusBadRequest, "chat_id and blueprint_json are required")
		return
	}
	if req.Owner == "" {
		req.Owner = req.ChatID
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	version, err := s.orch.GenerateCode(r.Context(), req.ChatID, req.Owner, req.BlueprintJSON,
		func(text string) {
			sse.send("text", map[string]string{"delta": text})
		})
	if err != nil {
		s.logger.Error("code generation failed", zap.String("chat", req.ChatID), zap.Error(err))
		sse.send("error", map[string]string{"message": userMessage(err)})
		return
	}
	sse.send("done", version)
}

type verifyRequest struct {
	ChatID        string `json:"chat_id"`
	Image         string `json:"image"`
	BlueprintJSON string `json:"blueprint_json"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.Image == "" {
		writeError(w, http.StatusBadRequest, "chat_id and image are required")
		return
	}

	verdict, err := s.orch.VerifyCircuit(r.Context(), req.ChatID, req.Image, req.BlueprintJSON)
	if err != nil {
		s.logger.Error("verification failed", zap.String("chat", req.ChatID), zap.Error(err))
		writeError(w, statusFor(err), userMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"verdict": verdict})
}

type titleRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	// Best effort by contract: always responds with a title.
	title := s.orch.GenerateTitle(r.Context(), req.ChatID, req.Message)
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	msgs, err := s.chats.GetMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading messages failed")
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": s.pool.HealthyCount(),
		"total":   s.pool.TotalCount(),
		"report":  s.pool.StatusReport(),
	})
}

// statusFor maps pipeline failures to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrAllCredentialsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// userMessage converts an internal failure to what the end user sees.
func userMessage(err error) string {
	if errors.Is(err, agent.ErrAllCredentialsExhausted) {
		return "all credentials are exhausted; try again later"
	}
	return "generation failed: " + err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sseWriter emits named server-sent events, flushing after each one.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.f.Flush()
}
