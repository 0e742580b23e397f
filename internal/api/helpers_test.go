package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/engine"
	"github.com/kalambet/aibridge/internal/storage"
)

// fakeOllama is a minimal Ollama server. Streaming replies send chunks one
// per line. With block set the stream stays open until the client leaves.
type fakeOllama struct {
	chunks     []string
	reply      string
	structured string
	noModel    bool
	fail       atomic.Bool
	block      bool
	languages  []string
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		if f.noModel {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		w.Write([]byte(`{"models":[{"name":"phi3.5:latest"}]}`))
	case "/api/show":
		json.NewEncoder(w).Encode(map[string]any{"model_info": map[string]any{"general.languages": f.languages}})
	case "/api/chat":
		var body struct {
			Stream bool            `json:"stream"`
			Format json.RawMessage `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if f.fail.Load() {
			http.Error(w, "model crashed", http.StatusInternalServerError)
			return
		}
		enc := json.NewEncoder(w)
		msg := func(content string, done bool) map[string]any {
			return map[string]any{"message": map[string]string{"role": "assistant", "content": content}, "done": done}
		}
		if !body.Stream {
			reply := f.reply
			if len(body.Format) > 0 {
				reply = f.structured
			}
			enc.Encode(msg(reply, true))
			return
		}
		for _, c := range f.chunks {
			enc.Encode(msg(c, false))
			w.(http.Flusher).Flush()
		}
		if f.block {
			<-r.Context().Done()
			return
		}
		enc.Encode(msg("", true))
	default:
		http.NotFound(w, r)
	}
}

func newFakeOllama() *fakeOllama {
	return &fakeOllama{
		chunks:     []string{"Hel", "lo"},
		reply:      "Hello there",
		structured: `{"answer":42}`,
		languages:  []string{"en", "es"},
	}
}

type testEnv struct {
	bridge *bridge.Bridge
	store  *storage.Store
	ollama *fakeOllama
	srv    *httptest.Server
}

// newTestEnv wires a Local engine against f, a bridge and an in-memory
// store behind a real HTTP server.
func newTestEnv(t *testing.T, f *fakeOllama, token string) *testEnv {
	t.Helper()
	upstream := httptest.NewServer(f)

	local := engine.NewLocal(engine.NewOllamaBackend(upstream.URL), "phi3.5", nil)
	b := bridge.New(local)

	store, err := storage.Open(":memory:")
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(Deps{
		Bridge:        b,
		Store:         store,
		Token:         token,
		StreamTimeout: 5 * time.Second,
	}))

	t.Cleanup(func() {
		srv.Close()
		b.Close()
		local.Close()
		upstream.Close()
		store.Close()
	})
	return &testEnv{bridge: b, store: store, ollama: f, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return e.doAuth(t, method, path, body, "")
}

func (e *testEnv) doAuth(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// createSession opens a session without prewarm and returns its id.
func (e *testEnv) createSession(t *testing.T) int {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions", `{"enable_history":true,"prewarm":false}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out createSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Positive(t, out.ID)
	return out.ID
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	return eb
}

func httptestDo(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}
