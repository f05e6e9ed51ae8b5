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

// Package schedules implements the baton schedules command group.
package schedules

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skilbeck/baton/internal/commands/shared"
	"github.com/skilbeck/baton/internal/ledger"
)

// NewCommand creates the schedules command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage time-based dispatch",
	}
	cmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newCreateCommand(),
		newUpdateCommand(),
		newDeleteCommand(),
	)
	return cmd
}

func newListCommand() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedules, err := shared.NewClient().ListSchedules(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(schedules)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTARGET\tTYPE\tENABLED\tNEXT RUN")
			for _, s := range schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%t\t%s\n",
					s.ID, s.Name, s.TargetType, s.TargetName, s.Type, s.Enabled, next)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled schedules")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <schedule-id>",
		Short: "Show one schedule in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := shared.NewClient().GetSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(sched)
			}
			printSchedule(sched)
			return nil
		},
	}
}

func newCreateCommand() *cobra.Command {
	var (
		targetKind string
		target     string
		cronExpr   string
		every      int
		runAt      string
		timezone   string
		params     string
		disabled   bool
		maxInst    int
		misfire    int
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a schedule",
		Long: `Create a schedule. Exactly one cadence flag is required:
  --cron "0 6 * * MON-FRI"   cron cadence
  --every 300                fixed interval in seconds
  --at 2026-09-01T06:00:00Z  one-shot at an RFC 3339 instant`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"name":        args[0],
				"target_type": targetKind,
				"target_name": target,
			}
			switch {
			case cronExpr != "":
				req["schedule_type"] = string(ledger.ScheduleCron)
				req["cron_expression"] = cronExpr
			case every > 0:
				req["schedule_type"] = string(ledger.ScheduleInterval)
				req["interval_seconds"] = every
			case runAt != "":
				if _, err := time.Parse(time.RFC3339, runAt); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				req["schedule_type"] = string(ledger.ScheduleOneShot)
				req["run_at"] = runAt
			default:
				return fmt.Errorf("one of --cron, --every, or --at is required")
			}
			if timezone != "" {
				req["timezone"] = timezone
			}
			if params != "" {
				var decoded map[string]any
				if err := json.Unmarshal([]byte(params), &decoded); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
				req["params"] = decoded
			}
			if disabled {
				req["enabled"] = false
			}
			if maxInst > 0 {
				req["max_instances"] = maxInst
			}
			if misfire > 0 {
				req["misfire_grace_seconds"] = misfire
			}

			sched, err := shared.NewClient().CreateSchedule(cmd.Context(), req)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(sched)
			}
			shared.Printf("%s\n", sched.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&targetKind, "kind", "task", "Target kind (task, operation, workflow)")
	cmd.Flags().StringVar(&target, "target", "", "Target name (required)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression")
	cmd.Flags().IntVar(&every, "every", 0, "Interval in seconds")
	cmd.Flags().StringVar(&runAt, "at", "", "One-shot time (RFC 3339)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for cron evaluation")
	cmd.Flags().StringVar(&params, "params", "", "Target parameters as a JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create disabled")
	cmd.Flags().IntVar(&maxInst, "max-instances", 0, "Max concurrent runs from this schedule")
	cmd.Flags().IntVar(&misfire, "misfire-grace", 0, "Misfire grace window in seconds")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var (
		enable  bool
		disable bool
		cron    string
		every   int
		params  string
	)
	cmd := &cobra.Command{
		Use:   "update <schedule-id>",
		Short: "Apply a partial update to a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := map[string]any{}
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			if enable {
				patch["enabled"] = true
			}
			if disable {
				patch["enabled"] = false
			}
			if cron != "" {
				patch["schedule_type"] = string(ledger.ScheduleCron)
				patch["cron_expression"] = cron
			}
			if every > 0 {
				patch["schedule_type"] = string(ledger.ScheduleInterval)
				patch["interval_seconds"] = every
			}
			if params != "" {
				var decoded map[string]any
				if err := json.Unmarshal([]byte(params), &decoded); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
				patch["params"] = decoded
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to update")
			}
			sched, err := shared.NewClient().UpdateSchedule(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(sched)
			}
			printSchedule(sched)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable the schedule")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable the schedule")
	cmd.Flags().StringVar(&cron, "cron", "", "Replace the cadence with a cron expression")
	cmd.Flags().IntVar(&every, "every", 0, "Replace the cadence with an interval in seconds")
	cmd.Flags().StringVar(&params, "params", "", "Replace target parameters (JSON object)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.NewClient().DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			shared.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func printSchedule(s *ledger.Schedule) {
	shared.Printf("Schedule: %s\n", s.ID)
	shared.Printf("Name:     %s\n", s.Name)
	shared.Printf("Target:   %s/%s\n", s.TargetType, s.TargetName)
	shared.Printf("Type:     %s\n", s.Type)
	switch s.Type {
	case ledger.ScheduleCron:
		shared.Printf("Cron:     %s\n", s.CronExpression)
	case ledger.ScheduleInterval:
		shared.Printf("Every:    %ds\n", s.IntervalSeconds)
	case ledger.ScheduleOneShot:
		if s.RunAt != nil {
			shared.Printf("At:       %s\n", s.RunAt.Format(time.RFC3339))
		}
	}
	shared.Printf("Enabled:  %t\n", s.Enabled)
	if s.NextRunAt != nil {
		shared.Printf("Next run: %s\n", s.NextRunAt.Format(time.RFC3339))
	}
	if s.LastRunAt != nil {
		shared.Printf("Last run: %s (%s)\n", s.LastRunAt.Format(time.RFC3339), s.LastRunStatus)
	}
}
