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

// Package dlq implements the baton dlq command group.
package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skilbeck/baton/internal/commands/shared"
)

// NewCommand creates the dlq command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}
	cmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newReplayCommand(),
		newResolveCommand(),
	)
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		workflowName    string
		includeResolved bool
		limit, offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := shared.NewClient().ListDeadLetters(cmd.Context(), workflowName, includeResolved, limit, offset)
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(page)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN\tWORKFLOW\tRETRIES\tCREATED\tRESOLVED")
			for _, l := range page.Letters {
				resolved := "-"
				if l.ResolvedAt != nil {
					resolved = l.ResolvedBy
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					l.ID, l.RunID, l.Workflow, l.RetryCount, l.MaxRetries,
					l.CreatedAt.Format(time.RFC3339), resolved)
			}
			w.Flush()
			shared.Printf("%d of %d letter(s)\n", len(page.Letters), page.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowName, "workflow", "", "Filter by workflow or task name")
	cmd.Flags().BoolVar(&includeResolved, "all", false, "Include resolved letters")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (default 50)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <letter-id>",
		Short: "Show one dead letter in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			letter, err := shared.NewClient().GetDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(letter)
			}
			shared.Printf("Letter:   %s\n", letter.ID)
			shared.Printf("Run:      %s\n", letter.RunID)
			shared.Printf("Workflow: %s\n", letter.Workflow)
			shared.Printf("Error:    %s\n", letter.Error)
			shared.Printf("Retries:  %d/%d\n", letter.RetryCount, letter.MaxRetries)
			shared.Printf("Created:  %s\n", letter.CreatedAt.Format(time.RFC3339))
			if letter.LastRetryAt != nil {
				shared.Printf("Last retry: %s\n", letter.LastRetryAt.Format(time.RFC3339))
			}
			if letter.ResolvedAt != nil {
				shared.Printf("Resolved: %s by %s\n", letter.ResolvedAt.Format(time.RFC3339), letter.ResolvedBy)
			}
			if len(letter.Params) > 0 {
				encoded, _ := json.MarshalIndent(letter.Params, "", "  ")
				shared.Printf("Params:\n%s\n", encoded)
			}
			return nil
		},
	}
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <letter-id>",
		Short: "Re-submit a dead letter as a fresh run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := shared.NewClient().ReplayDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(map[string]string{"run_id": runID})
			}
			shared.Printf("%s\n", runID)
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <letter-id>",
		Short: "Mark a dead letter handled without replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.NewClient().ResolveDeadLetter(cmd.Context(), args[0]); err != nil {
				return err
			}
			shared.Printf("resolved %s\n", args[0])
			return nil
		},
	}
}
