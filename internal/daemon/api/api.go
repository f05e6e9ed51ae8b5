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

// Package api provides the daemon's HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/skilbeck/baton/internal/daemon/auth"
	"github.com/skilbeck/baton/internal/dispatcher"
	"github.com/skilbeck/baton/internal/dlq"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/log"
	"github.com/skilbeck/baton/internal/metrics"
	"github.com/skilbeck/baton/internal/registry"
	"github.com/skilbeck/baton/internal/source"
	"github.com/skilbeck/baton/internal/tracing"
	"github.com/skilbeck/baton/internal/watermark"
	"github.com/skilbeck/baton/internal/workflows"
)

// Config carries build identity for the health and capabilities
// endpoints.
type Config struct {
	Version   string
	Commit    string
	BuildDate string
}

// API holds the services the HTTP handlers delegate to. Optional
// services (sources, workflows, watermarks) may be nil; their routes
// then answer 404 or an empty list as appropriate.
type API struct {
	config     Config
	dispatcher *dispatcher.Dispatcher
	store      ledger.Store
	dlq        *dlq.Service
	watermarks *watermark.Service
	sources    *source.Service
	workflows  *workflows.Loader
	registry   *registry.Registry
	authCfg    auth.Config
	logger     *slog.Logger
	started    time.Time
}

// Option configures optional API services.
type Option func(*API)

// WithDLQ wires the dead letter routes.
func WithDLQ(s *dlq.Service) Option {
	return func(a *API) { a.dlq = s }
}

// WithWatermarks wires the watermark and backfill routes.
func WithWatermarks(s *watermark.Service) Option {
	return func(a *API) { a.watermarks = s }
}

// WithSources wires the source routes.
func WithSources(s *source.Service) Option {
	return func(a *API) { a.sources = s }
}

// WithWorkflows wires the workflow listing routes.
func WithWorkflows(l *workflows.Loader) Option {
	return func(a *API) { a.workflows = l }
}

// WithRegistry wires the handler registry into the capabilities
// endpoint.
func WithRegistry(reg *registry.Registry) Option {
	return func(a *API) { a.registry = reg }
}

// WithAuth enables the authentication middleware.
func WithAuth(cfg auth.Config) Option {
	return func(a *API) { a.authCfg = cfg }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New builds the API. The dispatcher and store are required; everything
// else is optional.
func New(cfg Config, d *dispatcher.Dispatcher, store ledger.Store, opts ...Option) *API {
	a := &API{
		config:     cfg,
		dispatcher: d,
		store:      store,
		logger:     log.WithComponent(slog.Default(), "api"),
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled HTTP handler: routes wrapped in
// correlation, access-log, and auth middleware.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /capabilities", a.handleCapabilities)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/runs", a.handleSubmitRun)
	mux.HandleFunc("GET /v1/runs", a.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", a.handleRunEvents)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", a.handleCancelRun)
	mux.HandleFunc("POST /v1/runs/{id}/retry", a.handleRetryRun)

	mux.HandleFunc("POST /v1/schedules", a.handleCreateSchedule)
	mux.HandleFunc("GET /v1/schedules", a.handleListSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}", a.handleGetSchedule)
	mux.HandleFunc("PATCH /v1/schedules/{id}", a.handleUpdateSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", a.handleDeleteSchedule)

	mux.HandleFunc("GET /v1/dlq", a.handleListDeadLetters)
	mux.HandleFunc("GET /v1/dlq/{id}", a.handleGetDeadLetter)
	mux.HandleFunc("POST /v1/dlq/{id}/replay", a.handleReplayDeadLetter)
	mux.HandleFunc("POST /v1/dlq/{id}/resolve", a.handleResolveDeadLetter)

	mux.HandleFunc("GET /v1/workflows", a.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{name}", a.handleGetWorkflow)
	mux.HandleFunc("POST /webhooks/trigger/{name}", a.handleWebhookTrigger)

	mux.HandleFunc("GET /v1/watermarks", a.handleListWatermarks)
	mux.HandleFunc("POST /v1/watermarks/advance", a.handleAdvanceWatermark)
	mux.HandleFunc("GET /v1/backfills", a.handleListBackfills)
	mux.HandleFunc("POST /v1/backfills", a.handleCreateBackfill)
	mux.HandleFunc("GET /v1/backfills/{id}", a.handleGetBackfill)

	mux.HandleFunc("GET /v1/sources", a.handleListSources)
	mux.HandleFunc("POST /v1/sources", a.handleSaveSource)
	mux.HandleFunc("GET /v1/sources/{id}", a.handleGetSource)
	mux.HandleFunc("DELETE /v1/sources/{id}", a.handleDeleteSource)
	mux.HandleFunc("POST /v1/sources/{name}/fetch", a.handleFetchSource)
	mux.HandleFunc("GET /v1/sources/{id}/history", a.handleSourceHistory)

	var handler http.Handler = mux
	authCfg := a.authCfg
	authCfg.ExemptPaths = append(authCfg.ExemptPaths, "/health", "/metrics")
	handler = auth.Middleware(authCfg)(handler)
	handler = log.HTTPMiddleware(a.logger)(handler)
	handler = tracing.CorrelationMiddleware(handler)
	return handler
}

// parsePage reads limit/offset query parameters.
func parsePage(q url.Values) ledger.Page {
	page := ledger.Page{}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Offset = n
		}
	}
	return page
}

// parseSort reads the sort query parameter, defaulting to newest first.
func parseSort(q url.Values) ledger.Sort {
	switch ledger.Sort(q.Get("sort")) {
	case ledger.SortCreatedAsc:
		return ledger.SortCreatedAsc
	case ledger.SortStatus:
		return ledger.SortStatus
	case ledger.SortName:
		return ledger.SortName
	default:
		return ledger.SortCreatedDesc
	}
}
