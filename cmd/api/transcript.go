package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"oathboard/api/internal/archive"
	"oathboard/api/internal/config"
	"oathboard/api/internal/store"
)

func newTranscriptCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print the archived transcript of a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archiveCfg := archiveConfig(*cfg)
			if !archiveCfg.IsConfigured() {
				return errors.New("archive storage is not configured; set ARCHIVE_ENDPOINT and ARCHIVE_BUCKET")
			}
			archiver, err := archive.New(archiveCfg)
			if err != nil {
				return fmt.Errorf("archive client failed: %w", err)
			}
			transcript, err := archiver.Fetch(cmd.Context(), args[0])
			if errors.Is(err, archive.ErrNotArchived) {
				return fmt.Errorf("session %s has no archived transcript", args[0])
			}
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(transcript)
		},
	}
}

func openDatabase(cmd *cobra.Command, cfg config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL == config.MemoryDatabase {
		return nil, errors.New("migrations need a PostgreSQL DATABASE_URL")
	}
	db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}
