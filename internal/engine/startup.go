package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EnsureReady checks that the backend is reachable and the given models are
// available. Missing models are pulled when the backend implements Puller,
// with progress output written to w.
func EnsureReady(ctx context.Context, b Backend, w io.Writer, models ...string) error {
	if !b.IsRunning(ctx) {
		return fmt.Errorf("%s backend is not running; please ensure it is started", b.Name())
	}

	seen := make(map[string]bool, len(models))
	var missing []string
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		if b.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		missing = append(missing, model)
	}
	if len(missing) == 0 {
		return nil
	}

	puller, ok := b.(Puller)
	if !ok {
		return fmt.Errorf("model %s is not available and the %s backend cannot pull models", missing[0], b.Name())
	}

	// Progress lines from parallel pulls share w.
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, model := range missing {
		g.Go(func() error {
			printf("model %s: pulling...\n", model)
			err := puller.PullModel(ctx, model, func(p PullProgress) {
				if p.Total > 0 {
					pct := float64(p.Completed) / float64(p.Total) * 100
					printf("  %s %s %.0f%%\n", model, p.Status, pct)
				} else {
					printf("  %s %s\n", model, p.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
			printf("model %s: ready\n", model)
			return nil
		})
	}
	return g.Wait()
}
