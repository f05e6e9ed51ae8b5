// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db implements the baton db command group. Unlike the other
// groups it opens the ledger directly rather than going through the
// daemon, so it works while batond is down.
package db

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skilbeck/baton/internal/commands/shared"
	"github.com/skilbeck/baton/internal/config"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/ledger/postgres"
	"github.com/skilbeck/baton/internal/ledger/sqlite"
)

// NewCommand creates the db command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Operate on the ledger database directly",
	}
	cmd.AddCommand(
		newInitCommand(),
		newHealthCommand(),
		newPurgeCommand(),
		newTablesCommand(),
	)
	return cmd
}

// openStore opens the configured backend; opening runs pending
// migrations.
func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.New(postgres.Config{ConnectionString: cfg.Database.DSN})
	default:
		return sqlite.New(sqlite.Config{Path: cfg.Database.Path})
	}
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and apply migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				return err
			}
			target := cfg.Database.Path
			if cfg.Database.Driver == "postgres" {
				target = "postgres"
			}
			shared.Printf("ledger ready (%s)\n", target)
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the database is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(map[string]string{"status": "ok"})
			}
			shared.Printf("ok\n")
			return nil
		},
	}
}

func newPurgeCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal runs and resolved dead letters past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Retention.Days
			}
			if days <= 0 {
				return fmt.Errorf("retention window must be positive (use --days or set retention.days)")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			deleted, err := store.PurgeOldData(cmd.Context(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(map[string]int64{"deleted": deleted})
			}
			shared.Printf("deleted %d row(s) older than %d day(s)\n", deleted, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (default: retention.days from config)")
	return cmd
}

func newTablesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "Report row counts per table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			tables, err := store.Tables(cmd.Context())
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(tables)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tROWS")
			for _, t := range tables {
				fmt.Fprintf(w, "%s\t%d\n", t.Name, t.Rows)
			}
			w.Flush()
			return nil
		},
	}
}
