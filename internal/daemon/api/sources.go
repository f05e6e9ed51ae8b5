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
)

func (a *API) handleListSources(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.sources == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "sources are not enabled")
		return
	}
	srcs, err := a.sources.List(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"sources": srcs,
		"total":   len(srcs),
	}, start)
}

type saveSourceRequest struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config"`
	Domain  string         `json:"domain"`
	Enabled *bool          `json:"enabled"`
}

func (a *API) handleSaveSource(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.sources == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "sources are not enabled")
		return
	}
	var req saveSourceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	src := &ledger.Source{
		ID:      req.ID,
		Name:    req.Name,
		Type:    req.Type,
		Config:  req.Config,
		Domain:  req.Domain,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if err := a.sources.Save(r.Context(), src); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, src, start)
}

func (a *API) handleGetSource(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.sources == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "sources are not enabled")
		return
	}
	src, err := a.sources.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, src, start)
}

func (a *API) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.sources == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "sources are not enabled")
		return
	}
	if err := a.sources.Delete(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]bool{"deleted": true}, start)
}

func (a *API) handleFetchSource(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.sources == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "sources are not enabled")
		return
	}
	record, result, err := a.sources.Fetch(r.Context(), r.PathValue("name"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	data := map[string]any{"fetch": record}
	if result != nil {
		data["status"] = result.Status
		data["record_count"] = result.RecordCount
	}
	httputil.WriteSuccess(w, http.StatusOK, data, start)
}

func (a *API) handleSourceHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if a.sources == nil {
		httputil.WriteProblem(w, http.StatusNotFound, "Not Found", "sources are not enabled")
		return
	}
	page := parsePage(r.URL.Query()).Normalize()
	fetches, total, err := a.sources.History(r.Context(), r.PathValue("id"), page)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"fetches": fetches,
		"total":   total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	}, start)
}
