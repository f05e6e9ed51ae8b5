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
)

func (a *API) handleListWatermarks(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.watermarks == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "watermarks are not enabled")
		return
	}
	marks, err := a.watermarks.ListAll(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"watermarks": marks,
		"total":      len(marks),
	}, start)
}

type advanceWatermarkRequest struct {
	Domain       string `json:"domain"`
	Source       string `json:"source"`
	PartitionKey string `json:"partition_key"`
	HighWater    string `json:"high_water"`
}

func (a *API) handleAdvanceWatermark(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.watermarks == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "watermarks are not enabled")
		return
	}
	var req advanceWatermarkRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	mark, err := a.watermarks.Advance(r.Context(), req.Domain, req.Source, req.PartitionKey, req.HighWater)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// The response carries the stored state either way; advanced tells
	// the caller whether the forward-only rule moved it.
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"watermark": mark,
		"advanced":  mark.HighWater == req.HighWater,
	}, start)
}

func (a *API) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.watermarks == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "backfills are not enabled")
		return
	}
	q := r.URL.Query()
	var statuses []ledger.PlanStatus
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			statuses = append(statuses, ledger.PlanStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	plans, err := a.watermarks.ListPlans(r.Context(), q.Get("domain"), statuses)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"plans": plans,
		"total": len(plans),
	}, start)
}

type createBackfillRequest struct {
	Domain        string            `json:"domain"`
	Source        string            `json:"source"`
	Reason        ledger.PlanReason `json:"reason"`
	PartitionKeys []string          `json:"partition_keys"`
	CreatedBy     string            `json:"created_by"`
}

func (a *API) handleCreateBackfill(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.watermarks == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "backfills are not enabled")
		return
	}
	var req createBackfillRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	plan, err := a.watermarks.CreatePlan(r.Context(), req.Domain, req.Source, req.Reason, req.PartitionKeys, req.CreatedBy)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, plan, start)
}

func (a *API) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.watermarks == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "backfills are not enabled")
		return
	}
	plan, err := a.watermarks.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, plan, start)
}
