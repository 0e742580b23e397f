package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kalambet/aibridge/internal/engine"
)

type fakeStream struct {
	session engine.SessionHandle
	id      engine.ContextID
	cb      engine.Callback
}

// fakeNative is a scriptable engine. Streams never produce tokens on their
// own; tests drive them with emit.
type fakeNative struct {
	mu sync.Mutex

	status   engine.Status
	sessions map[engine.SessionHandle]bool
	streams  map[engine.StreamHandle]fakeStream
	next     engine.StreamHandle

	createCalls int
	cancelCalls map[engine.StreamHandle]int
	destroyed   []engine.SessionHandle
	history     map[engine.SessionHandle][]engine.Message

	failCreate bool
	// fixedHandle, when set, is returned by CreateSession regardless of
	// which handles are live.
	fixedHandle engine.SessionHandle
	failStart   bool
	generateOut string
	generateErr error
	structured  string
	languages   []string

	// onStart, when set, runs inside StartStream before it returns.
	onStart func(id engine.ContextID, cb engine.Callback)
}

func newFakeNative() *fakeNative {
	return &fakeNative{
		status:      engine.StatusAvailable,
		sessions:    make(map[engine.SessionHandle]bool),
		streams:     make(map[engine.StreamHandle]fakeStream),
		cancelCalls: make(map[engine.StreamHandle]int),
		history:     make(map[engine.SessionHandle][]engine.Message),
		generateOut: "ok",
		structured:  `{"text":"{\"n\":1}","object":{"n":1}}`,
	}
}

func (f *fakeNative) Availability(context.Context) (engine.Status, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != engine.StatusAvailable {
		return f.status, "fake engine disabled"
	}
	return f.status, ""
}

func (f *fakeNative) CreateSession(context.Context, engine.SessionOptions) engine.SessionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate {
		return engine.InvalidSession
	}
	if f.fixedHandle != engine.InvalidSession {
		f.sessions[f.fixedHandle] = true
		return f.fixedHandle
	}
	for i := 1; i <= 255; i++ {
		h := engine.SessionHandle(i)
		if !f.sessions[h] {
			f.sessions[h] = true
			return h
		}
	}
	return engine.InvalidSession
}

func (f *fakeNative) DestroySession(h engine.SessionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, h)
	f.destroyed = append(f.destroyed, h)
	for s, st := range f.streams {
		if st.session == h {
			delete(f.streams, s)
		}
	}
}

func (f *fakeNative) Generate(_ context.Context, h engine.SessionHandle, prompt string, _ engine.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateErr != nil {
		return "", f.generateErr
	}
	f.history[h] = append(f.history[h], engine.Message{Role: "user", Content: prompt}, engine.Message{Role: "assistant", Content: f.generateOut})
	return f.generateOut, nil
}

func (f *fakeNative) GenerateStructured(context.Context, engine.SessionHandle, string, json.RawMessage, engine.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.structured, nil
}

func (f *fakeNative) StartStream(h engine.SessionHandle, _ engine.StreamRequest, id engine.ContextID, cb engine.Callback) engine.StreamHandle {
	f.mu.Lock()
	if f.failStart || !f.sessions[h] {
		f.mu.Unlock()
		return -1
	}
	f.next++
	s := f.next
	f.streams[s] = fakeStream{session: h, id: id, cb: cb}
	onStart := f.onStart
	f.mu.Unlock()

	if onStart != nil {
		onStart(id, cb)
	}
	return s
}

func (f *fakeNative) CancelStream(s engine.StreamHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls[s]++
	_, ok := f.streams[s]
	delete(f.streams, s)
	return ok
}

func (f *fakeNative) History(h engine.SessionHandle) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[h] {
		return "", false
	}
	hist := f.history[h]
	if hist == nil {
		hist = []engine.Message{}
	}
	b, _ := json.Marshal(hist)
	return string(b), true
}

func (f *fakeNative) ClearHistory(h engine.SessionHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[h] {
		return false
	}
	delete(f.history, h)
	return true
}

func (f *fakeNative) AppendHistory(h engine.SessionHandle, role, content string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[h] {
		return false
	}
	f.history[h] = append(f.history[h], engine.Message{Role: role, Content: content})
	return true
}

func (f *fakeNative) SupportedLanguages(context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.languages
}

// emit invokes the callback registered for stream s as the engine would.
// It reports false if the engine no longer knows the stream.
func (f *fakeNative) emit(s engine.StreamHandle, chunk []byte, final bool) bool {
	f.mu.Lock()
	st, ok := f.streams[s]
	f.mu.Unlock()
	if !ok {
		return false
	}
	st.cb(st.id, chunk, final)
	return true
}

// emitID invokes the engine callback for an arbitrary context identity, even
// one the engine has forgotten.
func (f *fakeNative) emitID(s engine.StreamHandle, id engine.ContextID, chunk []byte, final bool) {
	f.mu.Lock()
	st := f.streams[s]
	f.mu.Unlock()
	st.cb(id, chunk, final)
}

func (f *fakeNative) cancels(s engine.StreamHandle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls[s]
}

func (f *fakeNative) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// recorder collects tokens delivered to a TokenFunc.
type recorder struct {
	mu     sync.Mutex
	tokens []Token
}

func (r *recorder) fn(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, t)
}

func (r *recorder) got() []Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Token(nil), r.tokens...)
}
