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

// Package httputil holds the response envelopes and error-to-status
// mapping shared by every API handler.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// SuccessResponse wraps every 2xx payload.
type SuccessResponse struct {
	Data      any      `json:"data"`
	ElapsedMS int64    `json:"elapsedMs"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ProblemDetail is the error envelope, shaped after RFC 7807.
type ProblemDetail struct {
	Title  string   `json:"title"`
	Status int      `json:"status"`
	Detail string   `json:"detail,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// WriteSuccess writes a 2xx envelope. start stamps elapsedMs.
func WriteSuccess(w http.ResponseWriter, status int, data any, start time.Time, warnings ...string) {
	writeJSON(w, status, SuccessResponse{
		Data:      data,
		ElapsedMS: time.Since(start).Milliseconds(),
		Warnings:  warnings,
	})
}

// WriteProblem writes an explicit problem document.
func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs ...string) {
	writeJSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

// WriteError maps a service error onto the HTTP surface: 400 for
// validation and configuration problems, 404 for missing resources,
// 409 for lock contention and invalid lifecycle transitions, 500 for
// the rest.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	title := "Internal Error"

	var notFound *batonerrors.NotFoundError
	var contention *batonerrors.LockContentionError
	var transition *batonerrors.InvalidTransitionError
	switch {
	case batonerrors.As(err, &notFound):
		status, title = http.StatusNotFound, "Not Found"
	case batonerrors.As(err, &contention):
		status, title = http.StatusConflict, "Conflict"
	case batonerrors.As(err, &transition):
		status, title = http.StatusConflict, "Conflict"
	default:
		switch batonerrors.Classify(err) {
		case batonerrors.CategoryValidation, batonerrors.CategoryConfig:
			status, title = http.StatusBadRequest, "Bad Request"
		case batonerrors.CategoryTimeout:
			status, title = http.StatusGatewayTimeout, "Timeout"
		}
	}

	WriteProblem(w, status, title, err.Error())
}

// DecodeJSON decodes a request body into dst, limited to 1 MiB.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &batonerrors.ValidationError{
			Field:   "body",
			Message: err.Error(),
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("response encode failed", slog.String("error", err.Error()))
	}
}
