package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/aibridge/internal/config"
	"github.com/kalambet/aibridge/internal/engine"
)

var pullCmd = &cobra.Command{
	Use:   "pull [model...]",
	Short: "Make sure models are present, downloading them if needed",
	Long: `Make sure models are present on the backend, downloading missing ones.
Without arguments the configured engine.model is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		models := args
		if len(models) == 0 {
			models = []string{cfg.Engine.Model}
		}

		backend, err := engine.Detect(ctx, engine.DetectConfig{
			Backend:   cfg.Engine.Backend,
			OllamaURL: cfg.Engine.OllamaURL,
			MLXURL:    cfg.Engine.MLXURL,
		})
		if err != nil {
			return err
		}

		printStep("Checking %d model(s) on %s", len(models), backend.Name())
		if err := engine.EnsureReady(ctx, backend, errOut, models...); err != nil {
			return err
		}
		printSuccess("All models ready")
		return nil
	},
}
