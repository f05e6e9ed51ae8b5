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

// Package client is the HTTP client the CLI uses to talk to batond.
// Responses unwrap the daemon's success envelope; non-2xx responses
// surface as *APIError carrying the problem document.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/pkg/workflow"
)

// DefaultBaseURL matches the daemon's default listen address.
const DefaultBaseURL = "http://127.0.0.1:8321"

// Client talks to one batond instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a non-default daemon address.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey attaches the key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a client with a 30 second request timeout by default.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response unwrapped into its problem document.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", e.Title, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s (%d)", e.Title, e.Status)
}

// envelope mirrors httputil.SuccessResponse with raw data.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Warnings []string        `json:"warnings"`
}

// do issues the request and decodes the envelope's data into out (when
// out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &problem) == nil && problem.Title != "" {
			apiErr.Title = problem.Title
			apiErr.Detail = problem.Detail
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// runIDResponse is the accepted-run payload.
type runIDResponse struct {
	RunID string `json:"run_id"`
}

// SubmitRunRequest mirrors the POST /v1/runs body.
type SubmitRunRequest struct {
	Kind              string         `json:"kind"`
	Name              string         `json:"name"`
	Params            map[string]any `json:"params,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	Lane              string         `json:"lane,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	MaxRetries        *int           `json:"max_retries,omitempty"`
	RetryDelaySeconds *int           `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int            `json:"timeout_seconds,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// SubmitRun submits work and returns the new run ID.
func (c *Client) SubmitRun(ctx context.Context, req SubmitRunRequest) (string, error) {
	var resp runIDResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*ledger.Run, error) {
	var run ledger.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunsOptions narrows and pages ListRuns.
type ListRunsOptions struct {
	Statuses      []string
	Kind          string
	Name          string
	TriggerSource string
	CorrelationID string
	Limit         int
	Offset        int
	Sort          string
}

func (o ListRunsOptions) query() string {
	q := url.Values{}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Kind != "" {
		q.Set("kind", o.Kind)
	}
	if o.Name != "" {
		q.Set("name", o.Name)
	}
	if o.TriggerSource != "" {
		q.Set("trigger_source", o.TriggerSource)
	}
	if o.CorrelationID != "" {
		q.Set("correlation_id", o.CorrelationID)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Sort != "" {
		q.Set("sort", o.Sort)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListRuns pages through run records.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (*ledger.RunPage, error) {
	var page ledger.RunPage
	if err := c.do(ctx, http.MethodGet, "/v1/runs"+opts.query(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// EventPage is one page of a run's event stream.
type EventPage struct {
	Events []ledger.Event `json:"events"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// RunEvents fetches a run's event stream.
func (c *Client) RunEvents(ctx context.Context, runID string, limit, offset int) (*EventPage, error) {
	path := "/v1/runs/" + url.PathEscape(runID) + "/events"
	if limit > 0 || offset > 0 {
		path += fmt.Sprintf("?limit=%d&offset=%d", limit, offset)
	}
	var page EventPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CancelRun requests cancellation; the result reports whether the run
// was still cancellable.
func (c *Client) CancelRun(ctx context.Context, runID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// RetryRun resubmits a failed run and returns the new run ID.
func (c *Client) RetryRun(ctx context.Context, runID string) (string, error) {
	var resp runIDResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/retry", nil, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// CreateSchedule creates a schedule from its JSON representation.
func (c *Client) CreateSchedule(ctx context.Context, req map[string]any) (*ledger.Schedule, error) {
	var sched ledger.Schedule
	if err := c.do(ctx, http.MethodPost, "/v1/schedules", req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// ListSchedules lists schedules, optionally only enabled ones.
func (c *Client) ListSchedules(ctx context.Context, enabledOnly bool) ([]ledger.Schedule, error) {
	path := "/v1/schedules"
	if enabledOnly {
		path += "?enabled=true"
	}
	var resp struct {
		Schedules []ledger.Schedule `json:"schedules"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Schedules, nil
}

// GetSchedule fetches one schedule.
func (c *Client) GetSchedule(ctx context.Context, id string) (*ledger.Schedule, error) {
	var sched ledger.Schedule
	if err := c.do(ctx, http.MethodGet, "/v1/schedules/"+url.PathEscape(id), nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// UpdateSchedule applies a partial update.
func (c *Client) UpdateSchedule(ctx context.Context, id string, patch map[string]any) (*ledger.Schedule, error) {
	var sched ledger.Schedule
	if err := c.do(ctx, http.MethodPatch, "/v1/schedules/"+url.PathEscape(id), patch, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// DeleteSchedule removes a schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/schedules/"+url.PathEscape(id), nil, nil)
}

// ListDeadLetters pages through the dead letter queue.
func (c *Client) ListDeadLetters(ctx context.Context, workflowName string, includeResolved bool, limit, offset int) (*ledger.DeadLetterPage, error) {
	q := url.Values{}
	if workflowName != "" {
		q.Set("workflow", workflowName)
	}
	if includeResolved {
		q.Set("include_resolved", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/dlq"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page ledger.DeadLetterPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetDeadLetter fetches one dead letter.
func (c *Client) GetDeadLetter(ctx context.Context, id string) (*ledger.DeadLetter, error) {
	var letter ledger.DeadLetter
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/"+url.PathEscape(id), nil, &letter); err != nil {
		return nil, err
	}
	return &letter, nil
}

// ReplayDeadLetter resubmits a dead letter and returns the new run ID.
func (c *Client) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	var resp runIDResponse
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(id)+"/replay", nil, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// ResolveDeadLetter marks a dead letter handled without replay.
func (c *Client) ResolveDeadLetter(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(id)+"/resolve", nil, nil)
}

// WorkflowSummary is the list-view projection of a loaded workflow.
type WorkflowSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

// ListWorkflows lists loaded workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	var resp struct {
		Workflows []WorkflowSummary `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// GetWorkflow fetches one loaded definition.
func (c *Client) GetWorkflow(ctx context.Context, name string) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(name), nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// HealthStatus is the daemon's health report.
type HealthStatus struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health fetches the daemon's health status.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var health HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}
