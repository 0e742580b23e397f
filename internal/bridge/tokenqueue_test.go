package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/aibridge/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenQueue_FIFO(t *testing.T) {
	tq := NewTokenQueue()
	for _, s := range []string{"a", "b", "c"} {
		tq.Push(Token{Text: s})
	}
	assert.Equal(t, 3, tq.Len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		tok, err := tq.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, tok.Text)
	}
	assert.Equal(t, 0, tq.Len())
}

func TestTokenQueue_NextWaitsForPush(t *testing.T) {
	tq := NewTokenQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		tq.Push(Token{Text: "late"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tok, err := tq.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", tok.Text)
}

func TestTokenQueue_NextHonoursContext(t *testing.T) {
	tq := NewTokenQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tq.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenQueue_CollectThroughBridge(t *testing.T) {
	b, f := newTestBridge(t)
	s := mustSession(t, b)
	tq := NewTokenQueue()
	h := mustStream(t, s, tq.Push)

	go func() {
		for _, c := range []string{"Hel", "lo, ", "world"} {
			f.emit(h, []byte(c), false)
		}
		f.emit(h, nil, true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := tq.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
}

func TestTokenQueue_CollectStopsOnErrorToken(t *testing.T) {
	tq := NewTokenQueue()
	tq.Push(Token{Text: "partial "})
	tq.Push(Token{Text: engine.ErrorPrefix + " backend gone"})

	text, err := tq.Collect(context.Background())
	assert.Equal(t, "partial ", text)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "backend gone", ee.Msg)
}

func TestTokenQueue_CloseDrainsThenEnds(t *testing.T) {
	tq := NewTokenQueue()
	tq.Push(Token{Text: "kept"})
	tq.Close()
	tq.Push(Token{Text: "dropped"})

	ctx := context.Background()
	tok, err := tq.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kept", tok.Text)

	_, err = tq.Next(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTokenQueue_CloseWakesWaiter(t *testing.T) {
	tq := NewTokenQueue()
	errc := make(chan error, 1)
	go func() {
		_, err := tq.Next(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tq.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
