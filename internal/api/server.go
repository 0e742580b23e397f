package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/engine"
	"github.com/kalambet/aibridge/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultStreamTimeout = 2 * time.Minute

// Deps holds what the HTTP API needs.
type Deps struct {
	Bridge *bridge.Bridge
	Store  *storage.Store // optional; nil disables /v1/transcripts
	Token  string         // optional bearer token

	// Defaults fill in generation parameters a request leaves out.
	Defaults      engine.Params
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// NewHandler returns the HTTP API. /health is always public; everything
// under /v1 goes through BearerAuth.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Defaults == (engine.Params{}) {
		deps.Defaults = engine.DefaultParams()
	}
	if deps.StreamTimeout <= 0 {
		deps.StreamTimeout = defaultStreamTimeout
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))

		r.Post("/sessions", handleCreateSession(deps))
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Delete("/", handleDestroySession(deps))
			r.Post("/generate", handleGenerate(deps))
			r.Post("/structured", handleStructured(deps))
			r.Post("/stream", handleStream(deps))
			r.Get("/history", handleGetHistory(deps))
			r.Delete("/history", handleClearHistory(deps))
			r.Post("/history", handleAppendHistory(deps))
			r.Post("/transcript", handleSaveTranscript(deps))
		})

		r.Delete("/streams/{id}", handleCancelStream(deps))

		r.Get("/transcripts", handleListTranscripts(deps))
		r.Get("/transcripts/{id}", handleGetTranscript(deps))
		r.Delete("/transcripts/{id}", handleDeleteTranscript(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type statusResponse struct {
	Status      string   `json:"status"`
	Code        int      `json:"code"`
	Reason      string   `json:"reason,omitempty"`
	Sessions    int      `json:"sessions"`
	Streams     int      `json:"streams"`
	Contexts    int      `json:"contexts"`
	MaxSessions int      `json:"max_sessions"`
	Languages   []string `json:"languages"`
}

func statusOf(ctx context.Context, b *bridge.Bridge) statusResponse {
	st, reason := b.Availability(ctx)
	return statusResponse{
		Status:      st.String(),
		Code:        int(st),
		Reason:      reason,
		Sessions:    b.SessionCount(),
		Streams:     b.StreamCount(),
		Contexts:    b.ContextCount(),
		MaxSessions: bridge.MaxSessions,
		Languages:   b.SupportedLanguages(ctx),
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusOf(r.Context(), deps.Bridge))
	}
}

// generateRequest is the body shared by generate, structured and stream.
// Temperature and MaxTokens are pointers so an explicit zero reaches
// validation instead of being replaced by the default.
type generateRequest struct {
	Prompt      string          `json:"prompt"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Structured  bool            `json:"structured,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

func (g generateRequest) params(defaults engine.Params) engine.Params {
	p := defaults
	if g.Temperature != nil {
		p.Temperature = *g.Temperature
	}
	if g.MaxTokens != nil {
		p.MaxTokens = *g.MaxTokens
	}
	return p
}

// decodeBody reads a size-limited JSON body into v. It writes the error
// response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// sessionFromPath resolves the {id} URL parameter to a live session.
func sessionFromPath(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) (*bridge.Session, bool) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil || n == 0 {
		httpError(w, http.StatusNotFound, "not_found_error", "session %q not found", raw)
		return nil, false
	}
	s, ok := b.Session(engine.SessionHandle(n))
	if !ok {
		httpError(w, http.StatusNotFound, "not_found_error", "session %d not found", n)
		return nil, false
	}
	return s, true
}

// writeBridgeError maps bridge errors onto HTTP status codes.
func writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrInvalidArgument):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, bridge.ErrSessionDestroyed), errors.Is(err, bridge.ErrUnknownStream):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, bridge.ErrCapacity):
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%v", err)
	case errors.Is(err, bridge.ErrUnavailable), errors.Is(err, bridge.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "%v", err)
	case bridge.IsEngineError(err), errors.Is(err, bridge.ErrStreamStart):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
