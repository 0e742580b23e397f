package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/aibridge/internal/bridge"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Stream from several sessions at once and report timings",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, _ := cmd.Flags().GetInt("sessions")
		prompt, _ := cmd.Flags().GetString("prompt")
		if sessions < 1 || sessions > bridge.MaxSessions {
			return fmt.Errorf("--sessions must be between 1 and %d", bridge.MaxSessions)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, errOut)
		if err != nil {
			return err
		}
		defer a.Close()

		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		results, err := runBench(ctx, a, sessions, prompt, maxTokens)
		if err != nil {
			return err
		}
		printBench(os.Stdout, results)
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("sessions", 4, "number of concurrent sessions")
	benchCmd.Flags().String("prompt", "Count from one to twenty.", "prompt sent by every session")
	benchCmd.Flags().Int("max-tokens", 64, "token budget per response")
}

type benchResult struct {
	session    int
	firstToken time.Duration
	total      time.Duration
	chunks     int
	chars      int
}

// runBench opens n sessions and streams prompt from all of them at once.
// The first failure cancels the rest.
func runBench(ctx context.Context, a *app, n int, prompt string, maxTokens int) ([]benchResult, error) {
	p := a.params()
	p.MaxTokens = maxTokens

	results := make([]benchResult, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			opts := a.sessionOptions()
			opts.EnableHistory = false
			opts.Prewarm = false
			sess, err := a.bridge.CreateSession(ctx, opts)
			if err != nil {
				return fmt.Errorf("session %d: %w", i+1, err)
			}
			defer sess.Destroy()

			res := benchResult{session: i + 1}
			start := time.Now()
			w := writerFunc(func(b []byte) (int, error) {
				if res.chunks == 0 {
					res.firstToken = time.Since(start)
				}
				res.chunks++
				res.chars += len(b)
				return len(b), nil
			})

			streamCtx, cancel := context.WithTimeout(ctx, a.cfg.Chat.Timeout())
			defer cancel()
			if _, err := streamTo(streamCtx, a.bridge, sess, prompt, p, w); err != nil {
				return fmt.Errorf("session %d: %w", i+1, err)
			}
			res.total = time.Since(start)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

func printBench(w io.Writer, results []benchResult) {
	totals := make([]time.Duration, len(results))
	for i, r := range results {
		fmt.Fprintf(w, "session %3d  first token %8s  total %8s  %4d chunks  %6d chars\n",
			r.session, r.firstToken.Round(time.Millisecond), r.total.Round(time.Millisecond), r.chunks, r.chars)
		totals[i] = r.total
	}
	if len(totals) == 0 {
		return
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i] < totals[j] })
	fmt.Fprintf(w, "sessions %d  median %s  slowest %s\n",
		len(totals), totals[len(totals)/2].Round(time.Millisecond), totals[len(totals)-1].Round(time.Millisecond))
}
