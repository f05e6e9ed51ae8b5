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

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skilbeck/baton/internal/commands/shared"
)

// commandMetadata describes one command for machine-readable help.
type commandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []flagMetadata `json:"flags,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
}

type flagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

type helpResponse struct {
	Commands    []commandMetadata `json:"commands,omitempty"`
	Command     *commandMetadata  `json:"command,omitempty"`
	GlobalFlags []flagMetadata    `json:"global_flags"`
}

// newHelpCommand replaces cobra's default help with one that can emit
// JSON, so tooling and completion scripts can read the command tree.
func newHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if shared.JSONOutput() {
					return writeAllCommandsJSON(cmd, rootCmd)
				}
				return rootCmd.Help()
			}

			target, _, err := rootCmd.Find(args)
			if err != nil {
				return fmt.Errorf("command %q not found", args[0])
			}
			if shared.JSONOutput() {
				return writeCommandJSON(cmd, target, rootCmd)
			}
			return target.Help()
		},
	}
}

func writeAllCommandsJSON(cmd, rootCmd *cobra.Command) error {
	var commands []commandMetadata
	for _, c := range rootCmd.Commands() {
		if c.Hidden {
			continue
		}
		commands = append(commands, describeCommand(c))
	}
	return encodeJSON(cmd, helpResponse{
		Commands:    commands,
		GlobalFlags: describeFlags(rootCmd.PersistentFlags()),
	})
}

func writeCommandJSON(cmd, target, rootCmd *cobra.Command) error {
	meta := describeCommand(target)
	return encodeJSON(cmd, helpResponse{
		Command:     &meta,
		GlobalFlags: describeFlags(rootCmd.PersistentFlags()),
	})
}

func describeCommand(cmd *cobra.Command) commandMetadata {
	meta := commandMetadata{
		Name:    cmd.Name(),
		Short:   cmd.Short,
		Long:    cmd.Long,
		Usage:   cmd.UseLine(),
		Aliases: cmd.Aliases,
		Flags:   describeFlags(cmd.Flags()),
	}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			meta.Subcommands = append(meta.Subcommands, sub.Name())
		}
	}
	return meta
}

func describeFlags(set *pflag.FlagSet) []flagMetadata {
	var flags []flagMetadata
	set.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		flags = append(flags, flagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
		})
	})
	return flags
}

func encodeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
