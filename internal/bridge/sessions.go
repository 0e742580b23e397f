package bridge

import (
	"sync"

	"github.com/kalambet/aibridge/internal/engine"
)

// sessionRegistry tracks live sessions. Creators reserve a slot before
// asking the engine for a handle so concurrent creators cannot overshoot
// the limit.
type sessionRegistry struct {
	mu       sync.Mutex
	limit    int
	reserved int
	byHandle map[engine.SessionHandle]*Session
}

func newSessionRegistry(limit int) *sessionRegistry {
	return &sessionRegistry{
		limit:    limit,
		byHandle: make(map[engine.SessionHandle]*Session),
	}
}

func (r *sessionRegistry) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byHandle)+r.reserved >= r.limit {
		return false
	}
	r.reserved++
	return true
}

func (r *sessionRegistry) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved--
}

// commit turns a reservation into a live entry. It fails if the handle is
// already registered.
func (r *sessionRegistry) commit(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved--
	if _, dup := r.byHandle[s.handle]; dup {
		return false
	}
	r.byHandle[s.handle] = s
	return true
}

func (r *sessionRegistry) remove(h engine.SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHandle, h)
}

func (r *sessionRegistry) lookup(h engine.SessionHandle) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHandle[h]
	return s, ok
}

func (r *sessionRegistry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		all = append(all, s)
	}
	return all
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
