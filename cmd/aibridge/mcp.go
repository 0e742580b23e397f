package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/aibridge/internal/api"
	"github.com/kalambet/aibridge/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// stdout carries the protocol; progress goes to stderr.
		a, err := openApp(ctx, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := storage.Open(a.cfg.Storage.DataDir)
		if err != nil {
			slog.Warn("transcripts resource disabled", "error", err)
			store = nil
		} else {
			defer store.Close()
		}

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Bridge:   a.bridge,
			Store:    store,
			Defaults: a.params(),
			Timeout:  a.cfg.Chat.Timeout(),
		})
		slog.Info("MCP server started (stdio transport)")

		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
