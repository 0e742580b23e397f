package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/aibridge/internal/config"
	"github.com/kalambet/aibridge/internal/engine"
	"github.com/kalambet/aibridge/internal/ollama"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// serverStatus mirrors the /v1/status response.
type serverStatus struct {
	Status      string   `json:"status"`
	Reason      string   `json:"reason"`
	Sessions    int      `json:"sessions"`
	Streams     int      `json:"streams"`
	MaxSessions int      `json:"max_sessions"`
	Languages   []string `json:"languages"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Server.
	client := newAPIClient(cfg)
	var st serverStatus
	resp, err := client.get(ctx, "/v1/status")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case decodeJSON(resp, &st) != nil:
		printStatus("Server", "running on port %d (status unavailable)", cfg.Server.Port)
	default:
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Sessions", "%s", countLabel(st.Sessions, st.MaxSessions))
		printStatus("Streams", "%d", st.Streams)
	}

	// Backend.
	backend, err := engine.Detect(ctx, engine.DetectConfig{
		Backend:   cfg.Engine.Backend,
		OllamaURL: cfg.Engine.OllamaURL,
		MLXURL:    cfg.Engine.MLXURL,
	})
	if err != nil {
		printStatus("Backend", "error: %v", err)
	} else {
		local := engine.NewLocal(backend, cfg.Engine.Model, nil)
		local.SetLanguages(cfg.Engine.LanguageList())
		code, reason := local.Availability(ctx)
		printStatus("Backend", "%s", backend.Name())
		if backend.Name() == "ollama" {
			if v, err := ollama.New(cfg.Engine.OllamaURL).Version(ctx); err == nil {
				printStatus("Ollama", "%s at %s", v, cfg.Engine.OllamaURL)
			}
		}
		if reason != "" {
			printStatus("Engine", "%s (%s)", code, reason)
		} else {
			printStatus("Engine", "%s", code)
		}
		printStatus("Languages", "%s", languagesLabel(local.SupportedLanguages(ctx)))
	}

	printStatus("Model", "%s", cfg.Engine.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// languagesLabel shortens long language lists to the first few names.
func languagesLabel(langs []string) string {
	const shown = 5
	switch {
	case len(langs) == 0:
		return "none reported"
	case len(langs) > shown:
		return fmt.Sprintf("%s and %d more", strings.Join(langs[:shown], ", "), len(langs)-shown)
	default:
		return strings.Join(langs, ", ")
	}
}

func countLabel(count, limit int) string {
	if limit > 0 {
		return fmt.Sprintf("%d/%d", count, limit)
	}
	return fmt.Sprintf("%d", count)
}
