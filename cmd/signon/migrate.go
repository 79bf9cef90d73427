package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/scheduler"
)

// MigrateCmd applies pending schema migrations and reports the version.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewSQLite(ServerConfig.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", ServerConfig.Database.SQLitePath, v)
			return nil
		},
	}
}

// GCCmd deletes terminal requests last updated before the cutoff.
func GCCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete finished requests older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = ServerConfig.Lifecycle.Retention
			}
			if olderThan <= 0 {
				return apperr.Validation("--older-than must be positive")
			}
			store, err := db.NewSQLite(ServerConfig.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := scheduler.New(scheduler.Config{Retention: olderThan}, nil, nil, store)
			if err != nil {
				return err
			}
			n, err := s.RunGC(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d requests older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default lifecycle.retention)")
	return cmd
}
