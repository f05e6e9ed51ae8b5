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

	"github.com/skilbeck/baton/internal/daemon/auth"
	"github.com/skilbeck/baton/internal/daemon/httputil"
	"github.com/skilbeck/baton/internal/ledger"
)

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.dlq == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "dead letter queue is not enabled")
		return
	}
	q := r.URL.Query()
	filter := ledger.DeadLetterFilter{
		Workflow:        q.Get("workflow"),
		IncludeResolved: q.Get("include_resolved") == "true",
	}
	page, err := a.dlq.List(r.Context(), filter, parsePage(q))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, page, start)
}

func (a *API) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.dlq == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "dead letter queue is not enabled")
		return
	}
	letter, err := a.dlq.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, letter, start)
}

func (a *API) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.dlq == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "dead letter queue is not enabled")
		return
	}
	runID, err := a.dlq.Replay(r.Context(), r.PathValue("id"), "manual")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusAccepted, map[string]string{"run_id": runID}, start)
}

func (a *API) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.dlq == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "dead letter queue is not enabled")
		return
	}
	by := "api"
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
		by = principal.Subject
	}
	if err := a.dlq.Resolve(r.Context(), r.PathValue("id"), by); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]bool{"resolved": true}, start)
}
