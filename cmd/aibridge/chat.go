package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/engine"
	"github.com/kalambet/aibridge/internal/schema"
	"github.com/kalambet/aibridge/internal/storage"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, errOut)
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := storage.Open(a.cfg.Storage.DataDir)
		if err != nil {
			printWarning("transcripts disabled: %v", err)
			store = nil
		} else {
			defer store.Close()
		}

		r := newREPL(a, store, os.Stdin, os.Stdout)
		r.raw = mustBool(cmd, "raw")
		if id := mustString(cmd, "load"); id != "" {
			if err := r.load(ctx, id); err != nil {
				return err
			}
		}
		return r.run(ctx)
	},
}

func init() {
	chatCmd.Flags().String("load", "", "resume a saved transcript by id")
	chatCmd.Flags().Bool("raw", false, "stream replies as plain text instead of rendering markdown")
}

const replHelp = `Commands:
  /help              show this help
  /new               start a new session
  /clear             clear the conversation history
  /history           print the conversation history
  /temp <t>          set temperature (0 to 2)
  /tokens <n>        set the token budget (1 to 100000)
  /schema <file>     answer with JSON matching a schema; /schema off to stop
  /save [title]      save the conversation as a transcript
  /load <id>         resume a saved transcript
  /status            show engine status
  /languages         list the languages the model supports
  /exit              quit`

// repl is the interactive chat loop. It owns one session at a time.
type repl struct {
	app    *app
	store  *storage.Store
	in     io.Reader
	out    io.Writer
	sess   *bridge.Session
	params engine.Params
	schema json.RawMessage
	// raw streams replies token by token. Otherwise a reply is printed once
	// complete, rendered from markdown.
	raw bool
	// transcriptID is set once the conversation has been saved or loaded so
	// later saves update the same record.
	transcriptID string
}

func newREPL(a *app, store *storage.Store, in io.Reader, out io.Writer) *repl {
	return &repl{app: a, store: store, in: in, out: out, params: a.params()}
}

func (r *repl) run(ctx context.Context) error {
	defer r.closeSession()

	if langs := r.app.bridge.SupportedLanguages(ctx); len(langs) > 0 {
		fmt.Fprintln(r.out, colorize(color.Faint, fmt.Sprintf("Supported languages: %d (/languages to list)", len(langs))))
	}
	fmt.Fprintln(r.out, colorize(color.Faint, "Type /help for commands."))
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*bridge.MaxPromptLength)
	for {
		fmt.Fprint(r.out, colorize(color.FgCyan, "> "))
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				printError("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			printError("%v", err)
		}
	}
}

func (r *repl) session(ctx context.Context) (*bridge.Session, error) {
	if r.sess != nil && !r.sess.Destroyed() {
		return r.sess, nil
	}
	s, err := r.app.bridge.CreateSession(ctx, r.app.sessionOptions())
	if err != nil {
		return nil, err
	}
	r.sess = s
	return s, nil
}

func (r *repl) closeSession() {
	if r.sess != nil {
		r.sess.Destroy()
		r.sess = nil
	}
}

func (r *repl) send(ctx context.Context, prompt string) error {
	s, err := r.session(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.app.cfg.Chat.Timeout())
	defer cancel()

	if r.schema != nil {
		sr, err := s.GenerateStructured(ctx, prompt, r.schema, r.params)
		if err != nil {
			return err
		}
		return writeIndentedJSON(r.out, sr.Object)
	}

	start := time.Now()
	if r.raw || noColor {
		_, err = streamTo(ctx, r.app.bridge, s, prompt, r.params, r.out)
	} else {
		var reply string
		reply, err = streamTo(ctx, r.app.bridge, s, prompt, r.params, nil)
		fmt.Fprint(r.out, renderMarkdown(reply))
	}
	fmt.Fprintln(r.out)
	if err != nil {
		return err
	}
	r.app.logger.Debug("chat: response done", "elapsed", time.Since(start))
	return nil
}

// command runs a slash command and reports whether the loop should end.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit", "/quit":
		return true, nil

	case "/help":
		fmt.Fprintln(r.out, replHelp)

	case "/new":
		r.closeSession()
		r.transcriptID = ""
		if _, err := r.session(ctx); err != nil {
			return false, err
		}
		printSuccess("New session")

	case "/clear":
		s, err := r.session(ctx)
		if err != nil {
			return false, err
		}
		if err := s.ClearHistory(); err != nil {
			return false, err
		}
		printSuccess("History cleared")

	case "/history":
		s, err := r.session(ctx)
		if err != nil {
			return false, err
		}
		msgs, err := s.Messages()
		if err != nil {
			return false, err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(r.out, "No messages yet.")
		}
		for _, m := range msgs {
			fmt.Fprintf(r.out, "%s %s\n", colorize(color.Bold, m.Role+":"), m.Content)
		}

	case "/temp":
		t, err := strconv.ParseFloat(arg, 64)
		if err != nil || t < bridge.MinTemperature || t > bridge.MaxTemperature {
			return false, fmt.Errorf("temperature must be a number between %.1f and %.1f", bridge.MinTemperature, bridge.MaxTemperature)
		}
		r.params.Temperature = t
		printSuccess("Temperature set to %g", t)

	case "/tokens":
		n, err := strconv.Atoi(arg)
		if err != nil || n < bridge.MinTokens || n > bridge.MaxTokens {
			return false, fmt.Errorf("token budget must be between %d and %d", bridge.MinTokens, bridge.MaxTokens)
		}
		r.params.MaxTokens = n
		printSuccess("Token budget set to %d", n)

	case "/schema":
		switch arg {
		case "":
			return false, errors.New("usage: /schema <file> or /schema off")
		case "off":
			r.schema = nil
			printSuccess("Structured output off")
		default:
			sch, err := schema.Load(arg)
			if err != nil {
				return false, err
			}
			r.schema = sch
			printSuccess("Answers will follow %s", arg)
		}

	case "/save":
		return false, r.save(arg)

	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <id>")
		}
		return false, r.load(ctx, arg)

	case "/status":
		st, reason := r.app.bridge.Availability(ctx)
		printStatus("Engine", "%s", st)
		if reason != "" {
			printStatus("Reason", "%s", reason)
		}
		printStatus("Backend", "%s", r.app.local.Backend().Name())
		printStatus("Model", "%s", r.app.local.Model())
		printStatus("Temperature", "%g", r.params.Temperature)
		printStatus("Max tokens", "%d", r.params.MaxTokens)
		printStatus("Sessions", "%d", r.app.bridge.SessionCount())

	case "/languages":
		langs := r.app.bridge.SupportedLanguages(ctx)
		if len(langs) == 0 {
			fmt.Fprintln(r.out, "No languages reported.")
			break
		}
		const shown = 10
		for i, l := range langs {
			if i == shown {
				fmt.Fprintf(r.out, "  ... and %d more\n", len(langs)-shown)
				break
			}
			fmt.Fprintf(r.out, "  %s\n", l)
		}

	default:
		return false, fmt.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func (r *repl) save(title string) error {
	if r.store == nil {
		return errors.New("transcript storage is not available")
	}
	if r.sess == nil {
		return errors.New("nothing to save yet")
	}
	msgs, err := r.sess.Messages()
	if err != nil {
		return err
	}
	if title == "" {
		title = time.Now().Format("2006-01-02 15:04")
	}

	t := storage.Transcript{
		ID:           r.transcriptID,
		Title:        title,
		Model:        r.app.local.Model(),
		Instructions: r.sess.Options().Instructions,
		Messages:     make([]storage.Message, len(msgs)),
	}
	for i, m := range msgs {
		t.Messages[i] = storage.Message{Role: m.Role, Content: m.Content}
	}
	id, err := r.store.SaveTranscript(t)
	if err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}
	r.transcriptID = id
	printSuccess("Saved transcript %s", id)
	return nil
}

// load replaces the current session with one seeded from a saved transcript.
func (r *repl) load(ctx context.Context, id string) error {
	if r.store == nil {
		return errors.New("transcript storage is not available")
	}
	t, err := r.store.GetTranscript(id)
	if err != nil {
		return fmt.Errorf("loading transcript %s: %w", id, err)
	}

	opts := r.app.sessionOptions()
	if t.Instructions != "" {
		opts.Instructions = t.Instructions
	}
	s, err := r.app.bridge.CreateSession(ctx, opts)
	if err != nil {
		return err
	}
	for _, m := range t.Messages {
		if err := s.AppendHistory(m.Role, m.Content); err != nil {
			s.Destroy()
			return err
		}
	}

	r.closeSession()
	r.sess = s
	r.transcriptID = t.ID
	printSuccess("Loaded %q (%d messages)", t.Title, len(t.Messages))
	return nil
}
