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

// Package workflows implements the baton workflows command group.
package workflows

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skilbeck/baton/internal/commands/shared"
)

// NewCommand creates the workflows command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect loaded workflow definitions",
	}
	cmd.AddCommand(newListCommand(), newShowCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows the daemon has loaded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summaries, err := shared.NewClient().ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(summaries)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSTEPS\tDESCRIPTION")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Version, s.Steps, s.Description)
			}
			w.Flush()
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := shared.NewClient().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return shared.PrintJSON(def)
			}
			shared.Printf("Name:        %s\n", def.Name)
			if def.Version != "" {
				shared.Printf("Version:     %s\n", def.Version)
			}
			if def.Description != "" {
				shared.Printf("Description: %s\n", def.Description)
			}
			if def.LockKey != "" {
				shared.Printf("Lock key:    %s\n", def.LockKey)
			}
			shared.Printf("Policies:    error=%s execution=%s\n", def.ErrorPolicy, def.ExecutionPolicy)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tTYPE")
			for _, step := range def.Steps {
				fmt.Fprintf(w, "%s\t%s\n", step.Name, step.Type)
			}
			w.Flush()
			return nil
		},
	}
}
