package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/engine"
)

// streamEvent is the payload of one SSE data line.
type streamEvent struct {
	Stream    int64  `json:"stream,omitempty"`
	Token     string `json:"token,omitempty"`
	Error     string `json:"error,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func handleStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		var req generateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		q := bridge.NewTokenQueue()
		p := req.params(deps.Defaults)
		var (
			h   engine.StreamHandle
			err error
		)
		if req.Structured || req.Schema != nil {
			h, err = s.StreamStructured(req.Prompt, req.Schema, p, q.Push)
		} else {
			h, err = s.Stream(req.Prompt, p, q.Push)
		}
		if err != nil {
			writeBridgeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.StreamTimeout)
		defer cancel()

		// A cancelled stream never delivers its terminal token; end the
		// queue so the loop below stops.
		if unbound, ok := deps.Bridge.StreamUnbound(h); ok {
			go func() {
				select {
				case <-unbound:
					q.Close()
				case <-ctx.Done():
				}
			}()
		} else {
			q.Close()
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Stream-Id", strconv.FormatInt(int64(h), 10))
		w.WriteHeader(http.StatusOK)

		send := func(ev streamEvent) {
			b, err := json.Marshal(ev)
			if err != nil {
				deps.Logger.Warn("api: marshalling stream event", "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
		send(streamEvent{Stream: int64(h)})

		for {
			t, err := q.Next(ctx)
			switch {
			case errors.Is(err, bridge.ErrQueueClosed):
				send(streamEvent{Done: true, Cancelled: true})
				return
			case err != nil:
				// Client went away or the stream outlived its budget.
				deps.Bridge.CancelStream(h)
				if r.Context().Err() == nil {
					send(streamEvent{Done: true, Failed: true, Error: "stream timed out"})
				}
				deps.Logger.Debug("api: stream abandoned", "stream", h, "error", err)
				return
			case t.Done:
				failed := deps.Bridge.IsStreamError(h)
				deps.Bridge.ReleaseStream(h)
				send(streamEvent{Done: true, Failed: failed})
				return
			case strings.HasPrefix(t.Text, engine.ErrorPrefix):
				send(streamEvent{Error: strings.TrimSpace(strings.TrimPrefix(t.Text, engine.ErrorPrefix))})
			default:
				send(streamEvent{Token: t.Text})
			}
		}
	}
}

func handleCancelStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "id")
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			httpError(w, http.StatusNotFound, "not_found_error", "stream %q not found", raw)
			return
		}
		if !deps.Bridge.CancelStream(engine.StreamHandle(n)) {
			httpError(w, http.StatusNotFound, "not_found_error", "stream %d not found", n)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
