package api

import (
	"encoding/json"
	"net/http"

	"github.com/kalambet/aibridge/internal/engine"
)

type createSessionResponse struct {
	ID int `json:"id"`
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := engine.DefaultSessionOptions()
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &opts) {
				return
			}
		}
		if opts.DefaultSchema != nil && !json.Valid(opts.DefaultSchema) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "default_schema is not valid JSON")
			return
		}

		s, err := deps.Bridge.CreateSession(r.Context(), opts)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		deps.Logger.Debug("api: session created", "session", s.Handle())
		writeJSON(w, http.StatusCreated, createSessionResponse{ID: int(s.Handle())})
	}
}

func handleDestroySession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		s.Destroy()
		w.WriteHeader(http.StatusNoContent)
	}
}

type generateResponse struct {
	Text string `json:"text"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		var req generateRequest
		if !decodeBody(w, r, &req) {
			return
		}

		out, err := s.Generate(r.Context(), req.Prompt, req.params(deps.Defaults))
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, generateResponse{Text: out})
	}
}

func handleStructured(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		var req generateRequest
		if !decodeBody(w, r, &req) {
			return
		}

		sr, err := s.GenerateStructured(r.Context(), req.Prompt, req.Schema, req.params(deps.Defaults))
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sr)
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		hist, err := s.History()
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(hist))
	}
}

func handleClearHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		if err := s.ClearHistory(); err != nil {
			writeBridgeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAppendHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		var msg engine.Message
		if !decodeBody(w, r, &msg) {
			return
		}
		if err := s.AppendHistory(msg.Role, msg.Content); err != nil {
			writeBridgeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
