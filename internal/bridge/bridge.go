// Package bridge coordinates sessions and streaming generations on top of a
// callback-driven engine. It issues bounded session handles, registers every
// stream before it starts so asynchronous callbacks reach the right
// consumer, and tears everything down idempotently.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kalambet/aibridge/internal/engine"
)

// Bridge is the coordinator. It is safe for concurrent use.
type Bridge struct {
	native engine.Native
	logger *slog.Logger

	contexts *contextRegistry
	streams  *streamRegistry
	sessions *sessionRegistry

	closed atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns a Bridge over native.
func New(native engine.Native, opts ...Option) *Bridge {
	b := &Bridge{
		native:   native,
		logger:   slog.Default(),
		contexts: newContextRegistry(),
		streams:  newStreamRegistry(),
		sessions: newSessionRegistry(MaxSessions),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Availability reports the engine status.
func (b *Bridge) Availability(ctx context.Context) (engine.Status, string) {
	return b.native.Availability(ctx)
}

// SupportedLanguages lists display names of the languages the engine
// serves. It never returns nil.
func (b *Bridge) SupportedLanguages(ctx context.Context) []string {
	if b.closed.Load() {
		return []string{}
	}
	langs := b.native.SupportedLanguages(ctx)
	if langs == nil {
		return []string{}
	}
	return langs
}

// CreateSession allocates a new session. It fails with ErrUnavailable when
// the engine is not ready and with ErrCapacity when MaxSessions are live; in
// both cases the engine allocator is not called.
func (b *Bridge) CreateSession(ctx context.Context, opts engine.SessionOptions) (*Session, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if st, reason := b.native.Availability(ctx); st != engine.StatusAvailable {
		if reason == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, st)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, st, reason)
	}
	if !b.sessions.reserve() {
		return nil, ErrCapacity
	}

	h := b.native.CreateSession(ctx, opts)
	if h == engine.InvalidSession {
		b.sessions.release()
		return nil, &EngineError{Op: "create session", Msg: "engine could not allocate a session"}
	}

	s := &Session{b: b, handle: h, opts: opts}
	if !b.sessions.commit(s) {
		// Destroying h would tear down the session already registered under
		// it, so the engine-side allocation is left alone.
		b.logger.Warn("bridge: engine reissued a live session handle", "session", h)
		return nil, &EngineError{Op: "create session", Msg: fmt.Sprintf("engine returned handle %d which is already live", h)}
	}
	if b.closed.Load() {
		s.Destroy()
		return nil, ErrClosed
	}
	b.logger.Debug("bridge: session created", "session", h)
	return s, nil
}

// Session returns the live session with handle h.
func (b *Bridge) Session(h engine.SessionHandle) (*Session, bool) {
	return b.sessions.lookup(h)
}

// WaitForStream blocks until the stream finishes or timeout elapses. It
// returns true only if the stream completed without error; use
// IsStreamError to tell a timeout from a failure. Unknown handles return
// false immediately.
func (b *Bridge) WaitForStream(h engine.StreamHandle, timeout time.Duration) bool {
	sc, ok := b.streams.lookup(h)
	if !ok {
		return false
	}
	if !sc.gate.Wait(timeout) {
		return false
	}
	return !sc.isError.Load()
}

// WaitForStreamContext is WaitForStream bounded by ctx instead of a timeout.
func (b *Bridge) WaitForStreamContext(ctx context.Context, h engine.StreamHandle) bool {
	sc, ok := b.streams.lookup(h)
	if !ok {
		return false
	}
	select {
	case <-sc.gate.Done():
		return !sc.isError.Load()
	case <-ctx.Done():
		return false
	}
}

// StreamDone returns a channel that is closed once the stream finishes or is
// cancelled.
func (b *Bridge) StreamDone(h engine.StreamHandle) (<-chan struct{}, bool) {
	sc, ok := b.streams.lookup(h)
	if !ok {
		return nil, false
	}
	return sc.gate.Done(), true
}

// StreamUnbound returns a channel that is closed once the stream is
// cancelled or released, whether or not it had finished.
func (b *Bridge) StreamUnbound(h engine.StreamHandle) (<-chan struct{}, bool) {
	sc, ok := b.streams.lookup(h)
	if !ok {
		return nil, false
	}
	return sc.unbound, true
}

// StreamRegistered reports whether h is still bound. Cancelled and released
// streams are not.
func (b *Bridge) StreamRegistered(h engine.StreamHandle) bool {
	_, ok := b.streams.lookup(h)
	return ok
}

// IsStreamError reports whether the stream signalled an error. Unknown
// handles report false.
func (b *Bridge) IsStreamError(h engine.StreamHandle) bool {
	sc, ok := b.streams.lookup(h)
	if !ok {
		return false
	}
	return sc.isError.Load()
}

// CancelStream stops a stream and drops its bookkeeping. It reports whether
// the stream was registered; a second call returns false.
func (b *Bridge) CancelStream(h engine.StreamHandle) bool {
	return b.cancelStream(h)
}

// ReleaseStream drops the bookkeeping of a stream. A stream that has not
// finished is cancelled.
func (b *Bridge) ReleaseStream(h engine.StreamHandle) bool {
	sc, ok := b.streams.unbind(h)
	if !ok {
		return false
	}
	unfinished := !sc.finished()
	sc.retire()
	if unfinished {
		b.safely("cancel stream", func() { b.native.CancelStream(h) })
	}
	b.contexts.remove(sc.id)
	return true
}

// cancelStream claims the binding first so concurrent cancels reach the
// engine at most once, then retires the context so no token reaches the
// consumer after it returns. The engine's answer does not affect
// bookkeeping.
func (b *Bridge) cancelStream(h engine.StreamHandle) bool {
	sc, ok := b.streams.unbind(h)
	if !ok {
		return false
	}
	sc.retire()
	b.safely("cancel stream", func() {
		if !b.native.CancelStream(h) {
			b.logger.Debug("bridge: engine did not know stream", "stream", h)
		}
	})
	b.contexts.remove(sc.id)
	return true
}

// Cleanup cancels every stream, destroys every session and drops all
// contexts. It is safe to call more than once.
func (b *Bridge) Cleanup() {
	for _, h := range b.streams.snapshot() {
		b.cancelStream(h)
	}
	for _, s := range b.sessions.snapshot() {
		s.Destroy()
	}
	b.contexts.clear()
}

// Close runs Cleanup and refuses new sessions afterwards.
func (b *Bridge) Close() error {
	b.closed.Store(true)
	b.Cleanup()
	return nil
}

func (b *Bridge) SessionCount() int { return b.sessions.len() }
func (b *Bridge) StreamCount() int  { return b.streams.len() }
func (b *Bridge) ContextCount() int { return b.contexts.len() }

// safely runs an engine call on a teardown path, logging instead of
// propagating a panic.
func (b *Bridge) safely(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("bridge: engine call panicked", "op", op, "panic", r)
		}
	}()
	fn()
}
