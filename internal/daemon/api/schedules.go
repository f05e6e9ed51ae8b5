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
	"time"

	"github.com/skilbeck/baton/internal/daemon/httputil"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/scheduler"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

type createScheduleRequest struct {
	Name                string              `json:"name"`
	TargetType          work.Kind           `json:"target_type"`
	TargetName          string              `json:"target_name"`
	Params              map[string]any      `json:"params"`
	Type                ledger.ScheduleType `json:"schedule_type"`
	CronExpression      string              `json:"cron_expression"`
	IntervalSeconds     int                 `json:"interval_seconds"`
	RunAt               *time.Time          `json:"run_at"`
	Timezone            string              `json:"timezone"`
	Enabled             *bool               `json:"enabled"`
	MaxInstances        int                 `json:"max_instances"`
	MisfireGraceSeconds int                 `json:"misfire_grace_seconds"`
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req createScheduleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	now := time.Now().UTC()
	sched := &ledger.Schedule{
		Name:                req.Name,
		TargetType:          req.TargetType,
		TargetName:          req.TargetName,
		Params:              req.Params,
		Type:                req.Type,
		CronExpression:      req.CronExpression,
		IntervalSeconds:     req.IntervalSeconds,
		RunAt:               req.RunAt,
		Timezone:            req.Timezone,
		Enabled:             req.Enabled == nil || *req.Enabled,
		MaxInstances:        req.MaxInstances,
		MisfireGraceSeconds: req.MisfireGraceSeconds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := scheduler.Prepare(sched, now); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := a.store.CreateSchedule(r.Context(), sched); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, sched, start)
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	schedules, err := a.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"total":     len(schedules),
	}, start)
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sched, err := a.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, sched, start)
}

// updateScheduleRequest is a partial update: nil fields keep their
// stored values.
type updateScheduleRequest struct {
	TargetType          *work.Kind           `json:"target_type"`
	TargetName          *string              `json:"target_name"`
	Params              map[string]any       `json:"params"`
	Type                *ledger.ScheduleType `json:"schedule_type"`
	CronExpression      *string              `json:"cron_expression"`
	IntervalSeconds     *int                 `json:"interval_seconds"`
	RunAt               *time.Time           `json:"run_at"`
	Timezone            *string              `json:"timezone"`
	Enabled             *bool                `json:"enabled"`
	MaxInstances        *int                 `json:"max_instances"`
	MisfireGraceSeconds *int                 `json:"misfire_grace_seconds"`
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req updateScheduleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sched, err := a.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if req.TargetType != nil {
		sched.TargetType = *req.TargetType
	}
	if req.TargetName != nil {
		sched.TargetName = *req.TargetName
	}
	if req.Params != nil {
		sched.Params = req.Params
	}
	if req.Type != nil {
		sched.Type = *req.Type
	}
	if req.CronExpression != nil {
		sched.CronExpression = *req.CronExpression
	}
	if req.IntervalSeconds != nil {
		sched.IntervalSeconds = *req.IntervalSeconds
	}
	if req.RunAt != nil {
		sched.RunAt = req.RunAt
	}
	if req.Timezone != nil {
		sched.Timezone = *req.Timezone
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if req.MaxInstances != nil {
		sched.MaxInstances = *req.MaxInstances
	}
	if req.MisfireGraceSeconds != nil {
		sched.MisfireGraceSeconds = *req.MisfireGraceSeconds
	}

	// Re-validate and recompute nextRunAt under the new cadence.
	now := time.Now().UTC()
	if err := scheduler.Prepare(sched, now); err != nil {
		httputil.WriteError(w, err)
		return
	}
	sched.UpdatedAt = now

	if err := a.store.UpdateSchedule(r.Context(), sched); err != nil {
		if batonerrors.Is(err, ledger.ErrVersionConflict) {
			httputil.WriteProblem(w, http.StatusConflict, "Conflict", "schedule was modified concurrently, re-fetch and retry")
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, sched, start)
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := a.store.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]bool{"deleted": true}, start)
}
