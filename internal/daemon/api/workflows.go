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
	"github.com/skilbeck/baton/internal/tracing"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// workflowSummary is the list-view projection of a definition.
type workflowSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.workflows == nil {
		httputil.WriteSuccess(w, http.StatusOK, map[string]any{
			"workflows": []workflowSummary{},
			"total":     0,
		}, start)
		return
	}
	defs := a.workflows.List()
	summaries := make([]workflowSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, workflowSummary{
			Name:        def.Name,
			Version:     def.Version,
			Description: def.Description,
			Steps:       len(def.Steps),
		})
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"workflows": summaries,
		"total":     len(summaries),
	}, start)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := r.PathValue("name")
	if a.workflows == nil {
		httputil.WriteError(w, &batonerrors.NotFoundError{Resource: "workflow", ID: name})
		return
	}
	def, ok := a.workflows.Get(name)
	if !ok {
		httputil.WriteError(w, &batonerrors.NotFoundError{Resource: "workflow", ID: name})
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, def, start)
}

// handleWebhookTrigger submits the named workflow with the request body
// as params. The body may be empty.
func (a *API) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := r.PathValue("name")

	params := map[string]any{}
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &params); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	spec := work.NewSpec(work.KindWorkflow, name, params)
	spec.TriggerSource = "webhook"
	spec.CorrelationID = tracing.CorrelationFromContext(r.Context())

	runID, err := a.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusAccepted, map[string]string{"run_id": runID}, start)
}
