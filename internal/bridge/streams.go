package bridge

import (
	"sync"

	"github.com/kalambet/aibridge/internal/engine"
)

// streamRegistry maps engine stream handles to their contexts. A handle is
// bound only after the engine accepted the stream.
type streamRegistry struct {
	mu       sync.Mutex
	byHandle map[engine.StreamHandle]*streamingContext
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{byHandle: make(map[engine.StreamHandle]*streamingContext)}
}

func (r *streamRegistry) bind(h engine.StreamHandle, sc *streamingContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle[h] = sc
}

// unbind removes and returns the binding. Only one caller can claim a given
// binding.
func (r *streamRegistry) unbind(h engine.StreamHandle) (*streamingContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byHandle[h]
	if ok {
		delete(r.byHandle, h)
	}
	return sc, ok
}

func (r *streamRegistry) lookup(h engine.StreamHandle) (*streamingContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byHandle[h]
	return sc, ok
}

func (r *streamRegistry) streamsOf(owner engine.SessionHandle) []engine.StreamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hs []engine.StreamHandle
	for h, sc := range r.byHandle {
		if sc.owner == owner {
			hs = append(hs, h)
		}
	}
	return hs
}

func (r *streamRegistry) snapshot() []engine.StreamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]engine.StreamHandle, 0, len(r.byHandle))
	for h := range r.byHandle {
		hs = append(hs, h)
	}
	return hs
}

func (r *streamRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
