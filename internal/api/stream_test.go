package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEvents decodes SSE data lines until the done event or EOF.
func readEvents(t *testing.T, resp *http.Response, onEvent func(streamEvent)) []streamEvent {
	t.Helper()
	var events []streamEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Done {
			break
		}
	}
	return events
}

func tokensOf(events []streamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(ev.Token)
	}
	return sb.String()
}

func TestStream_TokensThenDone(t *testing.T) {
	env := newTestEnv(t, newFakeOllama(), "")
	id := env.createSession(t)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Stream-Id"))

	events := readEvents(t, resp, nil)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Positive(t, events[0].Stream)
	assert.Equal(t, "Hello", tokensOf(events))

	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.False(t, last.Failed)
	assert.False(t, last.Cancelled)

	// The handler releases the stream once the terminal token is sent.
	assert.Eventually(t, func() bool { return env.bridge.StreamCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.bridge.ContextCount())
}

func TestStream_Structured(t *testing.T) {
	env := newTestEnv(t, newFakeOllama(), "")
	id := env.createSession(t)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi","structured":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp, nil)
	var doc struct {
		Object json.RawMessage `json:"object"`
	}
	require.NoError(t, json.Unmarshal([]byte(tokensOf(events)), &doc))
	assert.JSONEq(t, `{"answer":42}`, string(doc.Object))
}

func TestStream_EngineError(t *testing.T) {
	f := newFakeOllama()
	env := newTestEnv(t, f, "")
	id := env.createSession(t)
	f.fail.Store(true)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp, nil)
	var sawError bool
	for _, ev := range events {
		if ev.Error != "" {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected an error event")
	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.True(t, last.Failed)
}

func TestStream_ValidationBeforeHeaders(t *testing.T) {
	env := newTestEnv(t, newFakeOllama(), "")
	id := env.createSession(t)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi","max_tokens":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 0, env.bridge.StreamCount())
}

func TestStream_CancelEndsStream(t *testing.T) {
	f := newFakeOllama()
	f.block = true
	env := newTestEnv(t, f, "")
	id := env.createSession(t)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancelled bool
	events := readEvents(t, resp, func(ev streamEvent) {
		if ev.Token == "lo" && !cancelled {
			cancelled = true
			del := env.do(t, http.MethodDelete, "/v1/streams/"+resp.Header.Get("X-Stream-Id"), "")
			assert.Equal(t, http.StatusNoContent, del.StatusCode)
		}
	})
	require.True(t, cancelled)
	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.True(t, last.Cancelled)
	assert.Equal(t, 0, env.bridge.StreamCount())

	// A second cancel finds nothing.
	del := env.do(t, http.MethodDelete, "/v1/streams/"+resp.Header.Get("X-Stream-Id"), "")
	assert.Equal(t, http.StatusNotFound, del.StatusCode)
}

func TestStream_DestroySessionEndsStream(t *testing.T) {
	f := newFakeOllama()
	f.block = true
	env := newTestEnv(t, f, "")
	id := env.createSession(t)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var destroyed bool
	events := readEvents(t, resp, func(ev streamEvent) {
		if ev.Stream != 0 && !destroyed {
			destroyed = true
			del := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/sessions/%d", id), "")
			assert.Equal(t, http.StatusNoContent, del.StatusCode)
		}
	})
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Cancelled)
	assert.Equal(t, 0, env.bridge.SessionCount())
}

func TestStream_ClientDisconnectCancels(t *testing.T) {
	f := newFakeOllama()
	f.block = true
	env := newTestEnv(t, f, "")
	id := env.createSession(t)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%d/stream", id), `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the handle event, then hang up.
	br := bufio.NewReader(resp.Body)
	_, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, 1, env.bridge.StreamCount())
	resp.Body.Close()

	assert.Eventually(t, func() bool { return env.bridge.StreamCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCancelStream_BadID(t *testing.T) {
	env := newTestEnv(t, newFakeOllama(), "")

	for _, id := range []string{"abc", "0", "-4", "99"} {
		resp := env.do(t, http.MethodDelete, "/v1/streams/"+id, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "id %s", id)
	}
}
