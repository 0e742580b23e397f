package bridge

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/aibridge/internal/engine"
)

// dispatch is the single callback handed to the engine for every stream. It
// may run concurrently for different contexts on goroutines the engine owns.
//
// The error or completion flag is always set before the gate opens, and both
// happen under the context lock, so a waiter released by the gate observes
// the final value of IsStreamError.
func (b *Bridge) dispatch(id engine.ContextID, chunk []byte, final bool) {
	sc, ok := b.contexts.lookup(id)
	if !ok {
		// Cancelled or released; the consumer is gone.
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	switch {
	case sc.cancelled:
		// Lost the race with cancel between lookup and lock.

	case final:
		sc.isComplete.Store(true)
		sc.gate.Open()
		sc.deliver(Token{Done: true}, b.logger)

	case sc.terminalDelivered:
		b.logger.Debug("bridge: dropping token after terminal", "context", id)

	case !utf8.Valid(chunk):
		sc.isError.Store(true)
		sc.gate.Open()
		b.logger.Warn("bridge: undecodable token, ending stream", "context", id, "bytes", len(chunk))
		sc.deliver(Token{Done: true}, b.logger)

	default:
		text := string(chunk)
		if strings.HasPrefix(text, engine.ErrorPrefix) {
			sc.isError.Store(true)
			sc.gate.Open()
		}
		sc.deliver(Token{Text: text}, b.logger)
	}
}
