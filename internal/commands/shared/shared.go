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

// Package shared holds the global flags, daemon client construction,
// and output helpers the baton command groups have in common.
package shared

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/skilbeck/baton/internal/client"
	"github.com/skilbeck/baton/internal/config"
)

// Global flag storage, registered on the root command.
var (
	flagVerbose bool
	flagQuiet   bool
	flagJSON    bool
	flagConfig  string
	flagServer  string
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// SetVersion records build identity, called from main.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded build identity.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// RegisterFlagPointers hands the root command the storage for the
// global flags.
func RegisterFlagPointers() (verbose, quiet, jsonOut *bool, configPath, server *string) {
	return &flagVerbose, &flagQuiet, &flagJSON, &flagConfig, &flagServer
}

// JSONOutput reports whether --json was given.
func JSONOutput() bool { return flagJSON }

// Quiet reports whether --quiet was given.
func Quiet() bool { return flagQuiet }

// Verbose reports whether --verbose was given.
func Verbose() bool { return flagVerbose }

// ConfigPath returns the --config value, empty for the default path.
func ConfigPath() string { return flagConfig }

// LoadConfig loads the effective configuration, honoring --config.
func LoadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// ServerURL resolves the daemon address: --server beats BATON_SERVER
// beats the configured listen address.
func ServerURL() string {
	if flagServer != "" {
		return flagServer
	}
	if env := os.Getenv("BATON_SERVER"); env != "" {
		return env
	}
	if cfg, err := LoadConfig(); err == nil && cfg.Server.Addr != "" {
		return "http://" + cfg.Server.Addr
	}
	return client.DefaultBaseURL
}

// NewClient builds the daemon client from the global flags and
// environment.
func NewClient() *client.Client {
	opts := []client.Option{client.WithBaseURL(ServerURL())}
	if key := os.Getenv("BATON_API_KEY"); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(opts...)
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Printf writes to stdout unless --quiet is set.
func Printf(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Printf(format, args...)
}

// HandleExitError prints err and exits non-zero. Connection problems
// get a hint about starting the daemon.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	if strings.Contains(err.Error(), "unreachable") {
		fmt.Fprintln(os.Stderr, "Is batond running? Start it with: batond")
	}
	os.Exit(1)
}
