package bridge

import (
	"sync"
	"time"
)

// gate is a one-shot signal. Once opened it stays open and releases every
// current and future waiter.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

// Open is idempotent and safe from any goroutine.
func (g *gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until the gate opens or timeout elapses and reports whether it
// opened. A timeout <= 0 polls without blocking.
func (g *gate) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return g.IsOpen()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-g.ch:
		return true
	case <-t.C:
		return g.IsOpen()
	}
}

func (g *gate) Done() <-chan struct{} { return g.ch }

func (g *gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
