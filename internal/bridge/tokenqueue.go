package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/eapache/queue"
)

// ErrQueueClosed is returned by Next once the queue is closed and drained.
var ErrQueueClosed = errors.New("token queue closed")

// TokenQueue buffers a stream's tokens without bound so the engine's
// goroutine never waits on a slow consumer. Push is a TokenFunc; a single
// consumer drains with Next.
type TokenQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	notify chan struct{}
}

func NewTokenQueue() *TokenQueue {
	return &TokenQueue{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Push appends t. It never blocks. Tokens pushed after Close are dropped.
func (tq *TokenQueue) Push(t Token) {
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		return
	}
	tq.q.Add(t)
	tq.mu.Unlock()
	tq.wake()
}

// Close ends the queue. Buffered tokens remain readable; after them Next
// returns ErrQueueClosed. Used when a stream is cancelled and no terminal
// token will arrive.
func (tq *TokenQueue) Close() {
	tq.mu.Lock()
	tq.closed = true
	tq.mu.Unlock()
	tq.wake()
}

func (tq *TokenQueue) wake() {
	select {
	case tq.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest token, waiting until one is available or ctx is
// done.
func (tq *TokenQueue) Next(ctx context.Context) (Token, error) {
	for {
		tq.mu.Lock()
		if tq.q.Length() > 0 {
			t := tq.q.Remove().(Token)
			tq.mu.Unlock()
			return t, nil
		}
		closed := tq.closed
		tq.mu.Unlock()
		if closed {
			return Token{}, ErrQueueClosed
		}

		select {
		case <-tq.notify:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}
}

// Len returns the number of buffered tokens.
func (tq *TokenQueue) Len() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.q.Length()
}

// Collect drains tokens until the terminal token and returns their
// concatenated text. An error token ends collection with an *EngineError.
func (tq *TokenQueue) Collect(ctx context.Context) (string, error) {
	var sb strings.Builder
	for {
		t, err := tq.Next(ctx)
		if err != nil {
			return sb.String(), err
		}
		if t.Done {
			return sb.String(), nil
		}
		if msg, ok := engineErrorText(t.Text); ok {
			return sb.String(), &EngineError{Op: "stream", Msg: msg}
		}
		sb.WriteString(t.Text)
	}
}
