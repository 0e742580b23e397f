package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/aibridge/internal/config"
	"github.com/kalambet/aibridge/internal/storage"
)

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Manage saved chat transcripts",
}

var transcriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved transcripts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.ListTranscripts(limit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No transcripts found.")
			return nil
		}
		for _, t := range list {
			fmt.Println(transcriptLine(t))
		}
		return nil
	},
}

var transcriptsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a transcript as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		t, err := store.GetTranscript(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("transcript %s not found", args[0])
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

var transcriptsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		err = store.DeleteTranscript(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("transcript %s not found", args[0])
		}
		if err != nil {
			return err
		}
		printSuccess("Deleted transcript %s", args[0])
		return nil
	},
}

func init() {
	transcriptsListCmd.Flags().Int("limit", 20, "maximum number of transcripts to list")
	transcriptsCmd.AddCommand(transcriptsListCmd)
	transcriptsCmd.AddCommand(transcriptsShowCmd)
	transcriptsCmd.AddCommand(transcriptsDeleteCmd)
}

func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func transcriptLine(t storage.Transcript) string {
	title := t.Title
	if utf8.RuneCountInString(title) > 60 {
		title = string([]rune(title)[:60]) + "..."
	}
	return fmt.Sprintf("%s  %s  %3d msgs  %s",
		colorize(color.FgCyan, shortID(t.ID)),
		t.UpdatedAt.Local().Format("2006-01-02 15:04"),
		len(t.Messages),
		title,
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
