package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/aibridge/internal/schema"
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt...]",
	Short: "Generate a single response",
	Long: `Generate a single response in a fresh session.

Examples:
  aibridge generate "Name three prime numbers"
  aibridge generate --stream "Write a haiku about Go"
  aibridge generate --file ./paper.pdf "Summarise this paper"
  aibridge generate --schema ./person.yaml "Invent a person"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		prompt, err := buildPrompt(args, file)
		if err != nil {
			return err
		}
		if prompt == "" {
			return errors.New("a prompt or --file is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, errOut)
		if err != nil {
			return err
		}
		defer a.Close()

		return runGenerate(ctx, a, generateOptions{
			prompt:       prompt,
			stream:       mustBool(cmd, "stream"),
			schemaPath:   mustString(cmd, "schema"),
			instructions: mustString(cmd, "instructions"),
			temperature:  flagFloat(cmd, "temperature", a.cfg.Chat.Temperature),
			maxTokens:    flagInt(cmd, "max-tokens", a.cfg.Chat.MaxTokens),
		}, os.Stdout)
	},
}

func init() {
	generateCmd.Flags().Bool("stream", false, "print tokens as they are generated")
	generateCmd.Flags().String("schema", "", "JSON or YAML schema file for a structured response")
	generateCmd.Flags().String("file", "", "read additional prompt text from a file (PDF supported)")
	generateCmd.Flags().String("instructions", "", "system instructions (default from chat.instructions)")
	generateCmd.Flags().Float64("temperature", 0, "sampling temperature, 0 to 2 (default from chat.temperature)")
	generateCmd.Flags().Int("max-tokens", 0, "maximum tokens to generate (default from chat.max_tokens)")
}

type generateOptions struct {
	prompt       string
	stream       bool
	schemaPath   string
	instructions string
	temperature  float64
	maxTokens    int
}

func runGenerate(ctx context.Context, a *app, o generateOptions, out io.Writer) error {
	opts := a.sessionOptions()
	opts.EnableHistory = false
	opts.Prewarm = false
	if o.instructions != "" {
		opts.Instructions = o.instructions
	}

	var sch json.RawMessage
	if o.schemaPath != "" {
		var err error
		if sch, err = schema.Load(o.schemaPath); err != nil {
			return err
		}
		opts.EnableStructured = true
	}

	sess, err := a.bridge.CreateSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	p := a.params()
	p.Temperature = o.temperature
	p.MaxTokens = o.maxTokens

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Chat.Timeout())
	defer cancel()

	switch {
	case sch != nil:
		sr, err := sess.GenerateStructured(ctx, o.prompt, sch, p)
		if err != nil {
			return err
		}
		return writeIndentedJSON(out, sr.Object)
	case o.stream:
		if _, err := streamTo(ctx, a.bridge, sess, o.prompt, p, out); err != nil {
			return err
		}
		fmt.Fprintln(out)
		return nil
	default:
		text, err := sess.Generate(ctx, o.prompt, p)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	}
}

func writeIndentedJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// flagFloat returns the flag value if it was set on the command line, else
// def.
func flagFloat(cmd *cobra.Command, name string, def float64) float64 {
	if !cmd.Flags().Changed(name) {
		return def
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return v
}

func flagInt(cmd *cobra.Command, name string, def int) int {
	if !cmd.Flags().Changed(name) {
		return def
	}
	v, _ := cmd.Flags().GetInt(name)
	return v
}
