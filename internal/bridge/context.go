package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kalambet/aibridge/internal/engine"
)

// Token is one delivery to a stream consumer. The final delivery has Done set
// and no text.
type Token struct {
	Text string
	Done bool
}

// TokenFunc receives a stream's tokens in order. It runs on engine goroutines
// and must not block for long. It must not cancel, release or destroy its own
// stream: those calls wait for the delivery in progress to return.
type TokenFunc func(Token)

// streamingContext routes engine callbacks for one stream back to its
// consumer. The flags are atomics so a consumer may query them from inside
// its own callback.
type streamingContext struct {
	id    engine.ContextID
	owner engine.SessionHandle
	fn    TokenFunc
	gate  *gate

	isError    atomic.Bool
	isComplete atomic.Bool

	// mu serializes dispatch for this stream only.
	mu                sync.Mutex
	terminalDelivered bool
	// cancelled is set under mu when the stream is unbound. Dispatch drops
	// everything after it.
	cancelled bool

	unbound     chan struct{}
	unboundOnce sync.Once
}

// retire marks the context cancelled, releases waiters and closes unbound.
// Taking mu waits out a delivery already in progress, so fn is never called
// once retire returns. It must not be called from inside fn.
func (sc *streamingContext) retire() {
	sc.mu.Lock()
	sc.cancelled = true
	sc.mu.Unlock()

	sc.gate.Open()
	sc.unboundOnce.Do(func() { close(sc.unbound) })
}

// deliver runs fn, recovering any panic. Caller holds sc.mu.
func (sc *streamingContext) deliver(t Token, logger *slog.Logger) {
	if t.Done {
		if sc.terminalDelivered {
			return
		}
		sc.terminalDelivered = true
	}
	if sc.fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("bridge: token callback panicked", "context", sc.id, "panic", r)
		}
	}()
	sc.fn(t)
}

// finished reports whether the stream reached completion or an error.
func (sc *streamingContext) finished() bool {
	return sc.isComplete.Load() || sc.isError.Load()
}

// contextRegistry owns every streamingContext, keyed by an identity that is
// never reused within one registry.
type contextRegistry struct {
	mu   sync.Mutex
	next engine.ContextID
	byID map[engine.ContextID]*streamingContext
}

func newContextRegistry() *contextRegistry {
	return &contextRegistry{byID: make(map[engine.ContextID]*streamingContext)}
}

func (r *contextRegistry) allocate(fn TokenFunc, owner engine.SessionHandle) *streamingContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	sc := &streamingContext{
		id:      r.next,
		owner:   owner,
		fn:      fn,
		gate:    newGate(),
		unbound: make(chan struct{}),
	}
	r.byID[sc.id] = sc
	return sc
}

func (r *contextRegistry) lookup(id engine.ContextID) (*streamingContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byID[id]
	return sc, ok
}

func (r *contextRegistry) remove(id engine.ContextID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// clear drops every context and retires it so no waiter is stranded.
func (r *contextRegistry) clear() {
	r.mu.Lock()
	all := r.byID
	r.byID = make(map[engine.ContextID]*streamingContext)
	r.mu.Unlock()

	for _, sc := range all {
		sc.retire()
	}
}

func (r *contextRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
