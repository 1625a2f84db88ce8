package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"oathboard/api/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the oathboard CLI. Running it without a subcommand
// starts the API server.
func newRootCommand() *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:           "oathboard-api",
		Short:         "Oathboard pledge and pairing API",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.AddCommand(newServeCommand(&cfg))
	cmd.AddCommand(newMigrateCommand(&cfg))
	cmd.AddCommand(newTranscriptCommand(&cfg))
	return cmd
}
