package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ephemera/internal/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete every expired item from the store once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, logFile := newLogger(cfg)
		defer func() { _ = logFile.Close() }()

		store, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		n, err := store.DeleteExpired(cmd.Context(), time.Now())
		if err != nil {
			return fmt.Errorf("delete expired: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired items\n", n)
		return nil
	},
}
