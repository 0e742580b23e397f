package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxSessions bounds the handle space; handle 0 is reserved for failure.
const maxSessions = 255

// prewarmTimeout bounds the warm-up request issued for new sessions.
const prewarmTimeout = 30 * time.Second

var defaultSchema = json.RawMessage(`{"type":"object"}`)

// Local is a Native engine over a chat Backend. It keeps sessions and their
// transcripts in memory and runs each stream on its own goroutine.
type Local struct {
	backend Backend
	model   string
	logger  *slog.Logger

	// languages overrides what the backend reports; see SetLanguages.
	languages []string

	mu         sync.Mutex
	sessions   map[SessionHandle]*localSession
	streams    map[StreamHandle]*localStream
	nextStream StreamHandle

	wg sync.WaitGroup
}

type localSession struct {
	opts    SessionOptions
	history []Message
	streams map[StreamHandle]struct{}
}

type localStream struct {
	session   SessionHandle
	cancel    context.CancelFunc
	cancelled atomic.Bool

	// mu is held across every callback so stop can wait one out.
	mu sync.Mutex
}

// NewLocal returns a Local engine that sends requests for model to backend.
// A nil logger uses slog.Default().
func NewLocal(backend Backend, model string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		backend:  backend,
		model:    model,
		logger:   logger,
		sessions: make(map[SessionHandle]*localSession),
		streams:  make(map[StreamHandle]*localStream),
	}
}

// Backend returns the chat backend this engine drives.
func (l *Local) Backend() Backend { return l.backend }

// Model returns the configured model name.
func (l *Local) Model() string { return l.model }

func (l *Local) Availability(ctx context.Context) (Status, string) {
	if l.model == "" {
		return StatusNotEligible, "no model configured"
	}
	if !l.backend.IsRunning(ctx) {
		return StatusNotEnabled, fmt.Sprintf("%s backend is not running", l.backend.Name())
	}
	if !l.backend.HasModel(ctx, l.model) {
		return StatusModelNotReady, fmt.Sprintf("model %s is not available on %s", l.model, l.backend.Name())
	}
	return StatusAvailable, ""
}

// SetLanguages fixes the language codes SupportedLanguages reports instead
// of asking the backend. An empty list restores the backend lookup.
func (l *Local) SetLanguages(codes []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.languages = append([]string(nil), codes...)
}

func (l *Local) SupportedLanguages(ctx context.Context) []string {
	l.mu.Lock()
	codes := l.languages
	l.mu.Unlock()

	if len(codes) == 0 && l.model != "" {
		if ll, ok := l.backend.(LanguageLister); ok {
			got, err := ll.ModelLanguages(ctx, l.model)
			if err != nil {
				l.logger.Debug("reading model languages failed", "model", l.model, "error", err)
			}
			codes = got
		}
	}
	return DisplayLanguages(codes)
}

func (l *Local) ListModels(ctx context.Context) ([]string, error) {
	return l.backend.ListModels(ctx)
}

func (l *Local) CreateSession(ctx context.Context, opts SessionOptions) SessionHandle {
	l.mu.Lock()
	h := InvalidSession
	for i := 1; i <= maxSessions; i++ {
		if _, taken := l.sessions[SessionHandle(i)]; !taken {
			h = SessionHandle(i)
			break
		}
	}
	if h == InvalidSession {
		l.mu.Unlock()
		return InvalidSession
	}
	l.sessions[h] = &localSession{
		opts:    opts,
		streams: make(map[StreamHandle]struct{}),
	}
	l.mu.Unlock()

	if opts.Prewarm {
		l.prewarm(context.WithoutCancel(ctx), h)
	}
	return h
}

// prewarm sends a one-token request in the background so the backend loads
// the model before the first real prompt.
func (l *Local) prewarm(ctx context.Context, h SessionHandle) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, prewarmTimeout)
		defer cancel()

		_, err := l.backend.Chat(ctx, l.model, []Message{{Role: "user", Content: "hi"}}, nil, Params{MaxTokens: 1})
		if err != nil {
			l.logger.Debug("prewarm failed", "session", h, "error", err)
			return
		}
		l.logger.Debug("prewarm done", "session", h)
	}()
}

func (l *Local) DestroySession(h SessionHandle) {
	l.mu.Lock()
	sess, ok := l.sessions[h]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.sessions, h)
	var owned []*localStream
	for s := range sess.streams {
		if st, ok := l.streams[s]; ok {
			owned = append(owned, st)
			delete(l.streams, s)
		}
	}
	l.mu.Unlock()

	for _, st := range owned {
		st.stop()
	}
}

func (l *Local) Generate(ctx context.Context, h SessionHandle, prompt string, p Params) (string, error) {
	msgs, ok := l.conversation(h, prompt)
	if !ok {
		return "", fmt.Errorf("session %d not found", h)
	}
	out, err := l.backend.Chat(ctx, l.model, msgs, nil, p)
	if err != nil {
		return "", err
	}
	l.record(h, prompt, out)
	return out, nil
}

func (l *Local) GenerateStructured(ctx context.Context, h SessionHandle, prompt string, schema json.RawMessage, p Params) (string, error) {
	schema, ok := l.schemaFor(h, schema)
	if !ok {
		return "", fmt.Errorf("session %d not found", h)
	}
	msgs, ok := l.conversation(h, prompt)
	if !ok {
		return "", fmt.Errorf("session %d not found", h)
	}
	out, err := l.backend.Chat(ctx, l.model, msgs, schema, p)
	if err != nil {
		return "", err
	}
	doc, err := structuredDocument(out)
	if err != nil {
		return "", err
	}
	l.record(h, prompt, out)
	return doc, nil
}

func (l *Local) StartStream(h SessionHandle, req StreamRequest, id ContextID, cb Callback) StreamHandle {
	var schema json.RawMessage
	structured := req.Structured || req.Schema != nil
	if structured {
		var ok bool
		if schema, ok = l.schemaFor(h, req.Schema); !ok {
			return -1
		}
	}
	msgs, ok := l.conversation(h, req.Prompt)
	if !ok {
		return -1
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &localStream{session: h, cancel: cancel}

	l.mu.Lock()
	sess, ok := l.sessions[h]
	if !ok {
		l.mu.Unlock()
		cancel()
		return -1
	}
	l.nextStream++
	s := l.nextStream
	l.streams[s] = st
	sess.streams[s] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go l.runStream(ctx, s, st, msgs, schema, structured, req, id, cb)
	return s
}

func (l *Local) runStream(ctx context.Context, s StreamHandle, st *localStream, msgs []Message, schema json.RawMessage, structured bool, req StreamRequest, id ContextID, cb Callback) {
	defer l.wg.Done()
	defer l.forget(s)

	deliver := func(chunk string) {
		st.emit(id, cb, []byte(chunk), false)
	}

	var (
		reply string
		err   error
	)
	if structured {
		var out string
		out, err = l.backend.Chat(ctx, l.model, msgs, schema, req.Params)
		if err == nil {
			reply = out
			var doc string
			if doc, err = structuredDocument(out); err == nil {
				deliver(doc)
			}
		}
	} else {
		var sb strings.Builder
		err = l.backend.ChatStream(ctx, l.model, msgs, nil, req.Params, func(chunk string) {
			sb.WriteString(chunk)
			deliver(chunk)
		})
		reply = sb.String()
	}

	if st.cancelled.Load() {
		return
	}
	if err != nil {
		l.logger.Debug("stream failed", "stream", s, "error", err)
		deliver(ErrorPrefix + " " + err.Error())
	} else {
		l.record(st.session, req.Prompt, reply)
	}
	st.emit(id, cb, nil, true)
}

func (l *Local) CancelStream(s StreamHandle) bool {
	l.mu.Lock()
	st, ok := l.streams[s]
	if ok {
		delete(l.streams, s)
		if sess, live := l.sessions[st.session]; live {
			delete(sess.streams, s)
		}
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	st.stop()
	return true
}

func (l *Local) History(h SessionHandle) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok {
		return "", false
	}
	hist := sess.history
	if hist == nil {
		hist = []Message{}
	}
	b, err := json.Marshal(hist)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (l *Local) ClearHistory(h SessionHandle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok {
		return false
	}
	sess.history = nil
	return true
}

func (l *Local) AppendHistory(h SessionHandle, role, content string) bool {
	if !ValidRole(role) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok {
		return false
	}
	sess.history = append(sess.history, Message{Role: role, Content: content})
	return true
}

// Close cancels every stream and waits for stream and prewarm goroutines to
// return. Sessions stay allocated.
func (l *Local) Close() error {
	l.mu.Lock()
	all := make([]*localStream, 0, len(l.streams))
	for s, st := range l.streams {
		all = append(all, st)
		delete(l.streams, s)
		if sess, ok := l.sessions[st.session]; ok {
			delete(sess.streams, s)
		}
	}
	l.mu.Unlock()

	for _, st := range all {
		st.stop()
	}
	l.wg.Wait()
	return nil
}

// stop cancels the backend request and marks the stream cancelled. It
// returns only after any callback in progress has finished.
func (st *localStream) stop() {
	st.cancel()
	st.mu.Lock()
	st.cancelled.Store(true)
	st.mu.Unlock()
}

func (st *localStream) emit(id ContextID, cb Callback, chunk []byte, final bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled.Load() {
		return
	}
	cb(id, chunk, final)
}

// forget drops a finished stream from the tables if it is still present.
func (l *Local) forget(s StreamHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.streams[s]
	if !ok {
		return
	}
	delete(l.streams, s)
	if sess, live := l.sessions[st.session]; live {
		delete(sess.streams, s)
	}
	st.cancel()
}

// conversation builds the message list for prompt: instructions, the
// transcript when history is enabled, then the prompt itself.
func (l *Local) conversation(h SessionHandle, prompt string) ([]Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok {
		return nil, false
	}
	msgs := make([]Message, 0, len(sess.history)+2)
	if sess.opts.Instructions != "" {
		msgs = append(msgs, Message{Role: "system", Content: sess.opts.Instructions})
	}
	if sess.opts.EnableHistory {
		msgs = append(msgs, sess.history...)
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})
	return msgs, true
}

func (l *Local) schemaFor(h SessionHandle, schema json.RawMessage) (json.RawMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok {
		return nil, false
	}
	switch {
	case schema != nil:
		return schema, true
	case sess.opts.DefaultSchema != nil:
		return sess.opts.DefaultSchema, true
	default:
		return defaultSchema, true
	}
}

func (l *Local) record(h SessionHandle, prompt, reply string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[h]
	if !ok || !sess.opts.EnableHistory {
		return
	}
	sess.history = append(sess.history,
		Message{Role: "user", Content: prompt},
		Message{Role: "assistant", Content: reply},
	)
}

// structuredDocument wraps a JSON reply as {"text": reply, "object": reply}.
func structuredDocument(reply string) (string, error) {
	raw := json.RawMessage(strings.TrimSpace(reply))
	if !json.Valid(raw) {
		return "", errors.New("model returned invalid JSON for structured response")
	}
	b, err := json.Marshal(struct {
		Text   string          `json:"text"`
		Object json.RawMessage `json:"object"`
	}{Text: reply, Object: raw})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
