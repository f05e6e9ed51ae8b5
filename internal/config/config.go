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

// Package config loads the daemon configuration: defaults, overlaid by
// an optional YAML file, overlaid by BATON_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// Config is the full daemon configuration tree.
type Config struct {
	Database  Database  `yaml:"database"`
	Server    Server    `yaml:"server"`
	Executor  Executor  `yaml:"executor"`
	Scheduler Scheduler `yaml:"scheduler"`
	Retry     Retry     `yaml:"retry"`
	DLQ       DLQ       `yaml:"dlq"`
	Events    Events    `yaml:"events"`
	Cache     Cache     `yaml:"cache"`
	Workflows Workflows `yaml:"workflows"`
	Retention Retention `yaml:"retention"`
	Tracing   Tracing   `yaml:"tracing"`
	Log       Log       `yaml:"log"`
}

// Database selects and configures the ledger backend.
type Database struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`

	// Path is the SQLite file path (":memory:" for ephemeral).
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `yaml:"addr"`

	// APIKeys are accepted as X-API-Key or bearer tokens. Empty means
	// no authentication.
	APIKeys []string `yaml:"api_keys"`

	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// Executor sizes the worker pool.
type Executor struct {
	// Lanes maps lane name to worker count.
	Lanes map[string]int `yaml:"lanes"`

	// DefaultTimeoutSeconds bounds handlers without their own timeout.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

// Scheduler shapes the schedule polling loop.
type Scheduler struct {
	Enabled          bool   `yaml:"enabled"`
	IntervalSeconds  int    `yaml:"interval_seconds"`
	InstanceID       string `yaml:"instance_id"`
	LeaseTTLSeconds  int    `yaml:"lease_ttl_seconds"`
	LagThresholdSecs int    `yaml:"lag_threshold_seconds"`
}

// Retry sets submission-level retry defaults applied by NewSpec callers
// that do not override them.
type Retry struct {
	MaxRetries        int `yaml:"max_retries"`
	DelaySeconds      int `yaml:"delay_seconds"`
	BackoffCapSeconds int `yaml:"backoff_cap_seconds"`
}

// DLQ configures the automatic replay sweeper.
type DLQ struct {
	AutoRetry       bool    `yaml:"auto_retry"`
	IntervalSeconds int     `yaml:"interval_seconds"`
	BatchSize       int     `yaml:"batch_size"`
	ReplayPerSecond float64 `yaml:"replay_per_second"`
}

// Events selects the bus backend.
type Events struct {
	// Backend is memory or nats.
	Backend string `yaml:"backend"`

	// URL is the NATS server URL when backend is nats.
	URL string `yaml:"url"`
}

// Cache selects the source fetch-cache backend.
type Cache struct {
	// Backend is none, memory, ledger, or redis.
	Backend string `yaml:"backend"`

	// URL is the Redis address when backend is redis.
	URL string `yaml:"url"`

	TTLHours int `yaml:"ttl_hours"`
}

// Workflows points at the definition directory.
type Workflows struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// Retention bounds how long terminal runs and events are kept.
type Retention struct {
	Days                 int `yaml:"days"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// Tracing configures the OpenTelemetry exporter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is stdout or otlp.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP/HTTP collector address.
	Endpoint string `yaml:"endpoint"`

	SampleRate float64 `yaml:"sample_rate"`
}

// Log mirrors internal/log.Config in file form.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present: SQLite beside the working directory, all
// components on, memory bus, no auth.
func Default() *Config {
	return &Config{
		Database: Database{
			Driver: "sqlite",
			Path:   "baton.db",
		},
		Server: Server{
			Addr: "127.0.0.1:8321",
		},
		Executor: Executor{
			Lanes: map[string]int{
				"realtime": 2,
				"high":     4,
				"default":  4,
				"low":      2,
			},
			DefaultTimeoutSeconds: 1800,
		},
		Scheduler: Scheduler{
			Enabled:          true,
			IntervalSeconds:  5,
			LeaseTTLSeconds:  30,
			LagThresholdSecs: 30,
		},
		Retry: Retry{
			MaxRetries:        3,
			DelaySeconds:      5,
			BackoffCapSeconds: 300,
		},
		DLQ: DLQ{
			AutoRetry:       false,
			IntervalSeconds: 60,
			BatchSize:       10,
			ReplayPerSecond: 1,
		},
		Events: Events{
			Backend: "memory",
		},
		Cache: Cache{
			Backend:  "ledger",
			TTLHours: 168,
		},
		Workflows: Workflows{
			Dir:   "workflows",
			Watch: true,
		},
		Retention: Retention{
			Days:                 30,
			SweepIntervalMinutes: 60,
		},
		Tracing: Tracing{
			Exporter:   "stdout",
			SampleRate: 1,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (if path is empty, the file is optional and looked for at
// DefaultPath), then BATON_* environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &batonerrors.ConfigError{
				Key:    "file",
				Reason: fmt.Sprintf("parsing %s", path),
				Cause:  err,
			}
		}
	case os.IsNotExist(err) && !explicit:
		// No file is fine; defaults plus environment apply.
	default:
		return nil, &batonerrors.ConfigError{
			Key:    "file",
			Reason: fmt.Sprintf("reading %s", path),
			Cause:  err,
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath is where Load looks without an explicit --config:
// $XDG_CONFIG_HOME/baton/config.yaml, falling back to
// ~/.config/baton/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "baton.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "baton", "config.yaml")
}

// applyEnv overlays BATON_* variables onto the config. Only scalar
// hot-path settings are exposed this way; structured settings (lanes,
// api keys) come from the file.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	setString("BATON_DB_DRIVER", &c.Database.Driver)
	setString("BATON_DB_PATH", &c.Database.Path)
	setString("BATON_DB_DSN", &c.Database.DSN)
	setString("BATON_SERVER_ADDR", &c.Server.Addr)
	setString("BATON_JWT_SECRET", &c.Server.JWTSecret)
	if v := os.Getenv("BATON_API_KEYS"); v != "" {
		c.Server.APIKeys = strings.Split(v, ",")
	}
	setInt("BATON_SCHEDULER_INTERVAL", &c.Scheduler.IntervalSeconds)
	setBool("BATON_SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	setString("BATON_INSTANCE_ID", &c.Scheduler.InstanceID)
	setString("BATON_EVENTS_BACKEND", &c.Events.Backend)
	setString("BATON_EVENTS_URL", &c.Events.URL)
	setString("BATON_CACHE_BACKEND", &c.Cache.Backend)
	setString("BATON_CACHE_URL", &c.Cache.URL)
	setString("BATON_WORKFLOWS_DIR", &c.Workflows.Dir)
	setBool("BATON_DLQ_AUTO_RETRY", &c.DLQ.AutoRetry)
	setInt("BATON_RETENTION_DAYS", &c.Retention.Days)
	setBool("BATON_TRACING_ENABLED", &c.Tracing.Enabled)
	setString("BATON_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	setString("BATON_LOG_LEVEL", &c.Log.Level)
	setString("BATON_LOG_FORMAT", &c.Log.Format)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return &batonerrors.ConfigError{Key: "database.path", Reason: "required for sqlite"}
		}
	case "postgres":
		if c.Database.DSN == "" {
			return &batonerrors.ConfigError{Key: "database.dsn", Reason: "required for postgres"}
		}
	default:
		return &batonerrors.ConfigError{
			Key:    "database.driver",
			Reason: fmt.Sprintf("unknown driver %q, use sqlite or postgres", c.Database.Driver),
		}
	}

	if c.Server.Addr == "" {
		return &batonerrors.ConfigError{Key: "server.addr", Reason: "required"}
	}
	for lane, n := range c.Executor.Lanes {
		if n < 0 {
			return &batonerrors.ConfigError{
				Key:    "executor.lanes." + lane,
				Reason: "worker count must not be negative",
			}
		}
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return &batonerrors.ConfigError{Key: "scheduler.interval_seconds", Reason: "must be positive"}
	}

	switch c.Events.Backend {
	case "memory":
	case "nats":
		if c.Events.URL == "" {
			return &batonerrors.ConfigError{Key: "events.url", Reason: "required for nats backend"}
		}
	default:
		return &batonerrors.ConfigError{
			Key:    "events.backend",
			Reason: fmt.Sprintf("unknown backend %q, use memory or nats", c.Events.Backend),
		}
	}

	switch c.Cache.Backend {
	case "none", "memory", "ledger":
	case "redis":
		if c.Cache.URL == "" {
			return &batonerrors.ConfigError{Key: "cache.url", Reason: "required for redis backend"}
		}
	default:
		return &batonerrors.ConfigError{
			Key:    "cache.backend",
			Reason: fmt.Sprintf("unknown backend %q, use none, memory, ledger, or redis", c.Cache.Backend),
		}
	}

	switch c.Tracing.Exporter {
	case "", "stdout":
	case "otlp":
		if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
			return &batonerrors.ConfigError{Key: "tracing.endpoint", Reason: "required for otlp exporter"}
		}
	default:
		return &batonerrors.ConfigError{
			Key:    "tracing.exporter",
			Reason: fmt.Sprintf("unknown exporter %q, use stdout or otlp", c.Tracing.Exporter),
		}
	}

	if c.Retention.Days < 0 {
		return &batonerrors.ConfigError{Key: "retention.days", Reason: "must not be negative"}
	}
	return nil
}
