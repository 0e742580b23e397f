package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kalambet/aibridge/internal/engine"
)

// StructuredResponse is the decoded result of a structured generation.
type StructuredResponse struct {
	Text   string          `json:"text"`
	Object json.RawMessage `json:"object"`
}

// ParseStructured decodes a structured document as produced by the engine,
// either from GenerateStructured or from the single token of a structured
// stream.
func ParseStructured(doc string) (*StructuredResponse, error) {
	var sr StructuredResponse
	if err := json.Unmarshal([]byte(doc), &sr); err != nil {
		return nil, fmt.Errorf("decoding structured response: %w", err)
	}
	return &sr, nil
}

// Session is a conversation bound to one engine session handle. A Session
// is destroyed exactly once; every operation afterwards fails with
// ErrSessionDestroyed.
type Session struct {
	b      *Bridge
	handle engine.SessionHandle
	opts   engine.SessionOptions

	mu        sync.Mutex
	destroyed bool
}

func (s *Session) Handle() engine.SessionHandle { return s.handle }

func (s *Session) Options() engine.SessionOptions { return s.opts }

func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) checkLive() error {
	if s.Destroyed() {
		return ErrSessionDestroyed
	}
	return nil
}

// Generate returns a complete response to prompt.
func (s *Session) Generate(ctx context.Context, prompt string, p engine.Params) (string, error) {
	if err := s.checkLive(); err != nil {
		return "", err
	}
	if err := validateRequest(prompt, p); err != nil {
		return "", err
	}

	out, err := s.b.native.Generate(ctx, s.handle, prompt, p)
	if err != nil {
		return "", &EngineError{Op: "generate", Err: err}
	}
	if msg, ok := engineErrorText(out); ok {
		return "", &EngineError{Op: "generate", Msg: msg}
	}
	return out, nil
}

// GenerateStructured returns a response constrained to schema. A nil schema
// selects the session's default.
func (s *Session) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, p engine.Params) (*StructuredResponse, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	if err := validateRequest(prompt, p); err != nil {
		return nil, err
	}
	if schema != nil && !json.Valid(schema) {
		return nil, fmt.Errorf("%w: schema is not valid JSON", ErrInvalidArgument)
	}

	out, err := s.b.native.GenerateStructured(ctx, s.handle, prompt, schema, p)
	if err != nil {
		return nil, &EngineError{Op: "generate structured", Err: err}
	}
	if msg, ok := engineErrorText(out); ok {
		return nil, &EngineError{Op: "generate structured", Msg: msg}
	}
	sr, err := ParseStructured(out)
	if err != nil {
		return nil, &EngineError{Op: "generate structured", Err: err}
	}
	return sr, nil
}

// Stream starts a token stream for prompt and returns its handle. fn
// receives tokens and then a final Token with Done set, unless the stream is
// cancelled first.
func (s *Session) Stream(prompt string, p engine.Params, fn TokenFunc) (engine.StreamHandle, error) {
	return s.startStream(engine.StreamRequest{Prompt: prompt, Params: p}, fn)
}

// StreamStructured starts a structured stream. The engine delivers one token
// holding the whole document; decode it with ParseStructured.
func (s *Session) StreamStructured(prompt string, schema json.RawMessage, p engine.Params, fn TokenFunc) (engine.StreamHandle, error) {
	if schema != nil && !json.Valid(schema) {
		return 0, fmt.Errorf("%w: schema is not valid JSON", ErrInvalidArgument)
	}
	return s.startStream(engine.StreamRequest{Prompt: prompt, Schema: schema, Structured: true, Params: p}, fn)
}

func (s *Session) startStream(req engine.StreamRequest, fn TokenFunc) (engine.StreamHandle, error) {
	if err := s.checkLive(); err != nil {
		return 0, err
	}
	if err := validateRequest(req.Prompt, req.Params); err != nil {
		return 0, err
	}

	// Register first: the engine may call back before StartStream returns.
	sc := s.b.contexts.allocate(fn, s.handle)
	h := s.b.native.StartStream(s.handle, req, sc.id, s.b.dispatch)
	if h <= 0 {
		sc.retire()
		s.b.contexts.remove(sc.id)
		return 0, ErrStreamStart
	}
	s.b.streams.bind(h, sc)

	// A concurrent Destroy may have snapshotted our streams before the bind.
	if s.Destroyed() {
		s.b.cancelStream(h)
		return 0, ErrSessionDestroyed
	}
	return h, nil
}

// CancelStream stops a stream owned by this session. Cancelling a stream
// that is already gone is a no-op.
func (s *Session) CancelStream(h engine.StreamHandle) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	sc, ok := s.b.streams.lookup(h)
	if !ok {
		return nil
	}
	if sc.owner != s.handle {
		return fmt.Errorf("%w: stream %d belongs to another session", ErrUnknownStream, h)
	}
	s.b.cancelStream(h)
	return nil
}

// History returns the transcript as a JSON array of {role, content}.
func (s *Session) History() (string, error) {
	if err := s.checkLive(); err != nil {
		return "", err
	}
	hist, ok := s.b.native.History(s.handle)
	if !ok {
		return "", &EngineError{Op: "history", Msg: "engine could not read history"}
	}
	return hist, nil
}

// Messages is History decoded into messages.
func (s *Session) Messages() ([]engine.Message, error) {
	hist, err := s.History()
	if err != nil {
		return nil, err
	}
	var msgs []engine.Message
	if err := json.Unmarshal([]byte(hist), &msgs); err != nil {
		return nil, &EngineError{Op: "history", Err: err}
	}
	return msgs, nil
}

func (s *Session) ClearHistory() error {
	if err := s.checkLive(); err != nil {
		return err
	}
	if !s.b.native.ClearHistory(s.handle) {
		return &EngineError{Op: "clear history", Msg: "engine could not clear history"}
	}
	return nil
}

func (s *Session) AppendHistory(role, content string) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	if !engine.ValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	if !s.b.native.AppendHistory(s.handle, role, content) {
		return &EngineError{Op: "append history", Msg: "engine rejected message"}
	}
	return nil
}

// Destroy cancels the session's streams, releases the engine handle and
// unregisters the session. Subsequent calls are no-ops.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	for _, h := range s.b.streams.streamsOf(s.handle) {
		s.b.cancelStream(h)
	}
	s.b.safely("destroy session", func() { s.b.native.DestroySession(s.handle) })
	s.destroyed = true
	s.b.sessions.remove(s.handle)
	s.b.logger.Debug("bridge: session destroyed", "session", s.handle)
}

// Close destroys the session. It always returns nil.
func (s *Session) Close() error {
	s.Destroy()
	return nil
}

func engineErrorText(out string) (string, bool) {
	if !strings.HasPrefix(out, engine.ErrorPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(out, engine.ErrorPrefix)), true
}
