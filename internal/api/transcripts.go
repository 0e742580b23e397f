package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aibridge/internal/storage"
)

type saveTranscriptRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Model string `json:"model,omitempty"`
}

// handleSaveTranscript stores the session's current history. Passing an
// existing id overwrites that transcript.
func handleSaveTranscript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		s, ok := sessionFromPath(w, r, deps.Bridge)
		if !ok {
			return
		}
		var req saveTranscriptRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}

		msgs, err := s.Messages()
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		t := storage.Transcript{
			ID:           req.ID,
			Title:        req.Title,
			Model:        req.Model,
			Instructions: s.Options().Instructions,
			Messages:     make([]storage.Message, len(msgs)),
		}
		for i, m := range msgs {
			t.Messages[i] = storage.Message{Role: m.Role, Content: m.Content}
		}
		id, err := deps.Store.SaveTranscript(t)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save transcript: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleListTranscripts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		list, err := deps.Store.ListTranscripts(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list transcripts: %v", err)
			return
		}
		if list == nil {
			list = []storage.Transcript{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetTranscript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		id := chi.URLParam(r, "id")

		t, err := deps.Store.GetTranscript(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "transcript not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get transcript: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleDeleteTranscript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteTranscript(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "transcript not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete transcript: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func requireStore(w http.ResponseWriter, deps Deps) bool {
	if deps.Store == nil {
		httpError(w, http.StatusNotFound, "not_found_error", "transcript storage is disabled")
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
