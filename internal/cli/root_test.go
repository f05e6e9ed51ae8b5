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
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandGroups(t *testing.T) {
	root := NewRootCommand()
	require.Equal(t, "baton", root.Use)

	groups := map[string]bool{}
	for _, c := range root.Commands() {
		groups[c.Name()] = true
	}
	for _, want := range []string{"runs", "schedules", "dlq", "db", "workflows", "config", "health", "version"} {
		assert.True(t, groups[want], "missing command group %q", want)
	}
}

func TestRootPersistentFlags(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"verbose", "quiet", "json", "config", "server"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), "missing persistent flag --%s", name)
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	root := NewRootCommand()

	find := func(path ...string) *cobra.Command {
		cmd := root
		for _, name := range path {
			var next *cobra.Command
			for _, c := range cmd.Commands() {
				if c.Name() == name {
					next = c
					break
				}
			}
			require.NotNil(t, next, "command %v not found", path)
			cmd = next
		}
		return cmd
	}

	assert.NotNil(t, find("runs", "submit").Flags().Lookup("wait"))
	assert.NotNil(t, find("runs", "list").Flags().Lookup("status"))
	assert.NotNil(t, find("schedules", "create").Flags().Lookup("cron"))
	assert.NotNil(t, find("dlq", "list").Flags().Lookup("all"))
	assert.NotNil(t, find("db", "purge").Flags().Lookup("days"))
	find("workflows", "show")
	find("config", "validate")
}

func TestDescribeCommandMetadata(t *testing.T) {
	root := NewRootCommand()
	meta := describeCommand(root)

	assert.Equal(t, "baton", meta.Name)
	assert.Contains(t, meta.Subcommands, "runs")
	assert.Contains(t, meta.Subcommands, "schedules")

	global := describeFlags(root.PersistentFlags())
	names := make([]string, 0, len(global))
	for _, f := range global {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "server")
	assert.Contains(t, names, "json")
}
