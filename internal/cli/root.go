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

// Package cli assembles the baton command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/skilbeck/baton/internal/commands/configcmd"
	"github.com/skilbeck/baton/internal/commands/db"
	"github.com/skilbeck/baton/internal/commands/dlq"
	"github.com/skilbeck/baton/internal/commands/runs"
	"github.com/skilbeck/baton/internal/commands/schedules"
	"github.com/skilbeck/baton/internal/commands/shared"
	"github.com/skilbeck/baton/internal/commands/workflows"
)

// SetVersion records build identity, called from main.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command for baton.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baton",
		Short: "baton - execution core for data and workflow orchestration",
		Long: `baton is the operator CLI for batond, the execution daemon that
runs tasks, operations, and workflows against a durable run ledger.

Most commands talk to a running daemon over HTTP; the db and config
groups operate locally and work while the daemon is down.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, jsonOut, configPath, server := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(configPath, "config", "", "Path to config file (default: ~/.config/baton/config.yaml)")
	cmd.PersistentFlags().StringVar(server, "server", "", "Daemon address (default: http://127.0.0.1:8321, env: BATON_SERVER)")

	cmd.AddCommand(
		runs.NewCommand(),
		schedules.NewCommand(),
		dlq.NewCommand(),
		db.NewCommand(),
		workflows.NewCommand(),
		configcmd.NewCommand(),
		newHealthCommand(),
		newVersionCommand(),
	)
	cmd.SetHelpCommand(newHelpCommand(cmd))
	return cmd
}

// HandleExitError prints err and exits non-zero.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the daemon is up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := shared.NewClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(health)
			}
			shared.Printf("%s (version %s, up %ds)\n", health.Status, health.Version, health.UptimeSeconds)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client version",
		Run: func(_ *cobra.Command, _ []string) {
			v, c, b := shared.GetVersion()
			if shared.JSONOutput() {
				shared.PrintJSON(map[string]string{"version": v, "commit": c, "build_date": b})
				return
			}
			shared.Printf("baton %s (%s, %s)\n", v, c, b)
		},
	}
}
