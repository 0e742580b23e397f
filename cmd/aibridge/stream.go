package main

import (
	"context"
	"io"
	"strings"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/engine"
)

// streamTo runs a stream for prompt and copies tokens to w as they arrive.
// It returns the collected text. ctx bounds the whole stream; when it ends
// first the stream is cancelled.
func streamTo(ctx context.Context, b *bridge.Bridge, s *bridge.Session, prompt string, p engine.Params, w io.Writer) (string, error) {
	q := bridge.NewTokenQueue()
	h, err := s.Stream(prompt, p, q.Push)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		t, err := q.Next(ctx)
		if err != nil {
			b.CancelStream(h)
			return sb.String(), err
		}
		if t.Done {
			b.ReleaseStream(h)
			return sb.String(), nil
		}
		if strings.HasPrefix(t.Text, engine.ErrorPrefix) {
			b.CancelStream(h)
			msg := strings.TrimSpace(strings.TrimPrefix(t.Text, engine.ErrorPrefix))
			return sb.String(), &bridge.EngineError{Op: "stream", Msg: msg}
		}
		sb.WriteString(t.Text)
		if w != nil {
			io.WriteString(w, t.Text)
		}
	}
}
