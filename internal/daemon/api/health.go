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
	"github.com/skilbeck/baton/internal/registry"
	"github.com/skilbeck/baton/pkg/work"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "ok"
	var problems []string
	if err := a.store.Ping(r.Context()); err != nil {
		status = "degraded"
		problems = append(problems, "ledger: "+err.Error())
	}

	data := map[string]any{
		"status":         status,
		"version":        a.config.Version,
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteSuccess(w, code, data, start, problems...)
}

// capabilityNames projects registry entries into a name list.
func capabilityNames(entries []registry.Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func (a *API) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	data := map[string]any{
		"version":    a.config.Version,
		"commit":     a.config.Commit,
		"build_date": a.config.BuildDate,
		"features": map[string]bool{
			"dlq":        a.dlq != nil,
			"watermarks": a.watermarks != nil,
			"sources":    a.sources != nil,
			"workflows":  a.workflows != nil,
			"auth":       a.authCfg.Enabled(),
		},
	}
	if a.registry != nil {
		data["tasks"] = capabilityNames(a.registry.List(work.KindTask))
		data["operations"] = capabilityNames(a.registry.List(work.KindOperation))
		data["workflows_registered"] = capabilityNames(a.registry.List(work.KindWorkflow))
	}
	httputil.WriteSuccess(w, http.StatusOK, data, start)
}
