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

// Package runs implements the baton runs command group.
package runs

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skilbeck/baton/internal/client"
	"github.com/skilbeck/baton/internal/commands/shared"
	"github.com/skilbeck/baton/internal/ledger"
)

// NewCommand creates the runs command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage runs",
	}
	cmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newSubmitCommand(),
		newCancelCommand(),
		newRetryCommand(),
		newEventsCommand(),
	)
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		statuses []string
		kind     string
		name     string
		limit    int
		offset   int
		sort     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := shared.NewClient().ListRuns(cmd.Context(), client.ListRunsOptions{
				Statuses: statuses,
				Kind:     kind,
				Name:     name,
				Limit:    limit,
				Offset:   offset,
				Sort:     sort,
			})
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(page)
			}
			printRunTable(page.Runs)
			shared.Printf("%d of %d run(s)\n", len(page.Runs), page.Total)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED, DEAD_LETTERED)")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (task, operation, workflow)")
	cmd.Flags().StringVar(&name, "name", "", "Filter by registered name")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (default 50)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	cmd.Flags().StringVar(&sort, "sort", "", "Sort order (created_at_desc, created_at_asc, status, name)")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := shared.NewClient().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(run)
			}
			printRun(run)
			return nil
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var (
		kind       string
		params     []string
		paramsJSON string
		priority   string
		lane       string
		idemKey    string
		timeout    int
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit a task, operation, or workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			merged, err := buildParams(paramsJSON, params)
			if err != nil {
				return err
			}
			c := shared.NewClient()
			runID, err := c.SubmitRun(cmd.Context(), client.SubmitRunRequest{
				Kind:           kind,
				Name:           args[0],
				Params:         merged,
				Priority:       priority,
				Lane:           lane,
				IdempotencyKey: idemKey,
				TimeoutSeconds: timeout,
			})
			if err != nil {
				return err
			}
			if !wait {
				if shared.JSONOutput() {
					return shared.PrintJSON(map[string]string{"run_id": runID})
				}
				shared.Printf("%s\n", runID)
				return nil
			}
			run, err := awaitTerminal(cmd, c, runID)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(run)
			}
			printRun(run)
			if run.Status != "COMPLETED" {
				return fmt.Errorf("run %s finished %s", runID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "task", "Work kind (task, operation, workflow)")
	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "Parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Parameters as a JSON object")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (realtime, high, default, low)")
	cmd.Flags().StringVar(&lane, "lane", "", "Executor lane override")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Idempotency key")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Timeout in seconds")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, err := shared.NewClient().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(map[string]bool{"cancelled": cancelled})
			}
			if cancelled {
				shared.Printf("cancelled %s\n", args[0])
			} else {
				shared.Printf("run %s was already terminal\n", args[0])
			}
			return nil
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Re-submit a failed run as a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := shared.NewClient().RetryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(map[string]string{"run_id": newID})
			}
			shared.Printf("%s\n", newID)
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show a run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := shared.NewClient().RunEvents(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(page)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tTYPE\tSTEP\tPAYLOAD")
			for _, e := range page.Events {
				payload := ""
				if len(e.Payload) > 0 {
					encoded, _ := json.Marshal(e.Payload)
					payload = string(encoded)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.StepID, payload)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (default 50)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

// buildParams merges --params JSON with --param key=value pairs; the
// pairs win on conflict.
func buildParams(paramsJSON string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, fmt.Errorf("invalid --params JSON: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		// Values that parse as JSON keep their type; everything else is
		// a string.
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			params[key] = typed
		} else {
			params[key] = value
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func awaitTerminal(cmd *cobra.Command, c *client.Client, runID string) (*ledger.Run, error) {
	for {
		run, err := c.GetRun(cmd.Context(), runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func printRunTable(runs []ledger.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tKIND\tNAME\tSTATUS\tCREATED\tRETRIES")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.Spec.Kind, r.Spec.Name, r.Status,
			r.CreatedAt.Format(time.RFC3339), r.RetryCount)
	}
	w.Flush()
}

func printRun(r *ledger.Run) {
	shared.Printf("Run:       %s\n", r.ID)
	shared.Printf("Kind:      %s\n", r.Spec.Kind)
	shared.Printf("Name:      %s\n", r.Spec.Name)
	shared.Printf("Status:    %s\n", r.Status)
	shared.Printf("Lane:      %s\n", r.Spec.Lane)
	shared.Printf("Created:   %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.StartedAt != nil {
		shared.Printf("Started:   %s\n", r.StartedAt.Format(time.RFC3339))
	}
	if r.CompletedAt != nil {
		shared.Printf("Completed: %s\n", r.CompletedAt.Format(time.RFC3339))
	}
	if r.RetryCount > 0 {
		shared.Printf("Retries:   %d/%d\n", r.RetryCount, r.Spec.MaxRetries)
	}
	if r.Error != "" {
		shared.Printf("Error:     %s (%s)\n", r.Error, r.ErrorCategory)
	}
	if len(r.Result) > 0 {
		encoded, _ := json.MarshalIndent(r.Result, "", "  ")
		shared.Printf("Result:\n%s\n", encoded)
	}
}
