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

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/daemon/httputil"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/tracing"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// submitRunRequest is the POST /v1/runs body. Unset retry fields fall
// back to the spec defaults rather than zero.
type submitRunRequest struct {
	Kind              work.Kind      `json:"kind"`
	Name              string         `json:"name"`
	Params            map[string]any `json:"params"`
	Priority          work.Priority  `json:"priority"`
	Lane              string         `json:"lane"`
	IdempotencyKey    string         `json:"idempotency_key"`
	MaxRetries        *int           `json:"max_retries"`
	RetryDelaySeconds *int           `json:"retry_delay_seconds"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	CorrelationID     string         `json:"correlation_id"`
	Metadata          map[string]any `json:"metadata"`
}

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req submitRunRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	spec := work.NewSpec(req.Kind, req.Name, req.Params)
	if req.Priority != "" {
		spec.Priority = req.Priority
		spec.Lane = work.LaneFor(req.Priority)
	}
	if req.Lane != "" {
		spec.Lane = req.Lane
	}
	if req.MaxRetries != nil {
		spec.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySeconds != nil {
		spec.RetryDelaySeconds = *req.RetryDelaySeconds
	}
	spec.IdempotencyKey = req.IdempotencyKey
	spec.TimeoutSeconds = req.TimeoutSeconds
	spec.Metadata = req.Metadata
	spec.TriggerSource = "api"
	spec.CorrelationID = req.CorrelationID
	if spec.CorrelationID == "" {
		spec.CorrelationID = tracing.CorrelationFromContext(r.Context())
	}

	runID, err := a.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusAccepted, map[string]string{"run_id": runID}, start)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	filter := ledger.RunFilter{
		Kind:          work.Kind(q.Get("kind")),
		Name:          q.Get("name"),
		TriggerSource: q.Get("trigger_source"),
		CorrelationID: q.Get("correlation_id"),
		ParentRunID:   q.Get("parent_run_id"),
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, work.Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, &batonerrors.ValidationError{Field: "created_after", Message: "must be RFC 3339"})
			return
		}
		filter.CreatedAfter = &t
	}
	if v := q.Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, &batonerrors.ValidationError{Field: "created_before", Message: "must be RFC 3339"})
			return
		}
		filter.CreatedBefore = &t
	}

	page, err := a.dispatcher.ListRuns(r.Context(), filter, parsePage(q), parseSort(q))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, page, start)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	run, err := a.dispatcher.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, run, start)
}

func (a *API) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	page := parsePage(r.URL.Query()).Normalize()
	events, total, err := a.dispatcher.GetRunEvents(r.Context(), r.PathValue("id"), page)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  page.Limit,
		"offset": page.Offset,
	}, start)
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cancelled, err := a.dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]bool{"cancelled": cancelled}, start)
}

func (a *API) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runID, err := a.dispatcher.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusAccepted, map[string]string{"run_id": runID}, start)
}
