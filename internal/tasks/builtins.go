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

// Package tasks ships the builtin task handlers every daemon carries:
// small generic utilities workflows can lean on without registering
// custom code.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skilbeck/baton/internal/jq"
	"github.com/skilbeck/baton/internal/registry"
	"github.com/skilbeck/baton/internal/source"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// Limits for the http.request builtin.
const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 16 << 20 // 16 MiB
	maxSleepSeconds       = 3600
)

// transformExecutor backs the transform builtin. Defaults are generous
// enough for run-sized payloads.
var transformExecutor = jq.NewExecutor(5*time.Second, jq.DefaultMaxInputSize)

// Register installs the builtin handlers. The source service may be
// nil, in which case source.fetch is not registered.
func Register(reg *registry.Registry, sources *source.Service) error {
	builtins := []registry.Entry{
		{
			Kind:        work.KindTask,
			Name:        "echo",
			Description: "returns its params unchanged, for wiring tests",
			Handler:     echoHandler,
		},
		{
			Kind:        work.KindTask,
			Name:        "sleep",
			Description: "sleeps for params.seconds, observing cancellation",
			Handler:     sleepHandler,
		},
		{
			Kind:        work.KindTask,
			Name:        "transform",
			Description: "runs the jq program in params.program over params.input",
			Handler:     transformHandler,
		},
		{
			Kind:        work.KindTask,
			Name:        "http.request",
			Description: "performs an HTTP request described by params",
			Handler:     httpRequestHandler,
		},
	}
	if sources != nil {
		builtins = append(builtins, registry.Entry{
			Kind:        work.KindTask,
			Name:        "source.fetch",
			Description: "fetches the source named by params.source",
			Handler:     fetchHandler(sources),
		})
	}

	for _, entry := range builtins {
		if err := reg.Register(entry); err != nil {
			return fmt.Errorf("registering builtin %s: %w", entry.Name, err)
		}
	}
	return nil
}

func echoHandler(_ context.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func sleepHandler(ctx context.Context, params map[string]any) (map[string]any, error) {
	seconds, err := floatParam(params, "seconds")
	if err != nil {
		return nil, err
	}
	if seconds < 0 || seconds > maxSleepSeconds {
		return nil, &batonerrors.ValidationError{
			Field:   "seconds",
			Message: fmt.Sprintf("must be between 0 and %d", maxSleepSeconds),
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"slept_seconds": seconds}, nil
	}
}

// transformHandler evaluates a jq program against params.input. The
// program's output lands under "result".
func transformHandler(ctx context.Context, params map[string]any) (map[string]any, error) {
	program, _ := params["program"].(string)
	if program == "" {
		return nil, &batonerrors.ValidationError{
			Field:   "program",
			Message: "jq program is required",
		}
	}

	result, err := transformExecutor.Execute(ctx, program, params["input"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func httpRequestHandler(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, &batonerrors.ValidationError{Field: "url", Message: "url is required"}
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, &batonerrors.ValidationError{Field: "body", Message: err.Error()}
		}
		body = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &batonerrors.ValidationError{Field: "url", Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprint(value))
		}
	}

	timeout := defaultRequestTimeout
	if seconds, err := floatParam(params, "timeout_seconds"); err == nil && seconds > 0 {
		timeout = time.Duration(seconds * float64(time.Second))
	}
	client := &http.Client{Timeout: timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &batonerrors.TransientError{
			Op:      "http.request",
			Message: fmt.Sprintf("%s %s failed", method, url),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &batonerrors.TransientError{Op: "http.request", Message: "reading body", Cause: err}
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(data),
	}
	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		output["json"] = decoded
	}
	if resp.StatusCode >= 500 {
		return output, &batonerrors.TransientError{
			Op:      "http.request",
			Message: fmt.Sprintf("%s returned HTTP %d", url, resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return output, &batonerrors.SourceError{
			Source:     url,
			StatusCode: resp.StatusCode,
			Message:    "client-class response",
		}
	}
	return output, nil
}

// fetchHandler exposes the source layer to the work system. Params:
// source (name, required).
func fetchHandler(sources *source.Service) registry.Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		name, _ := params["source"].(string)
		if name == "" {
			return nil, &batonerrors.ValidationError{
				Field:   "source",
				Message: "source name is required",
			}
		}

		record, result, err := sources.Fetch(ctx, name)
		if err != nil {
			return nil, err
		}

		output := map[string]any{
			"fetch_id":   record.ID,
			"status":     string(record.Status),
			"byte_count": record.ByteCount,
		}
		if record.CaptureID != "" {
			output["capture_id"] = record.CaptureID
		}
		if record.ContentHash != "" {
			output["content_hash"] = record.ContentHash
		}
		if result != nil && result.Data != nil {
			output["body"] = string(result.Data)
		}
		return output, nil
	}
}

func floatParam(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, &batonerrors.ValidationError{Field: key, Message: "required"}
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, &batonerrors.ValidationError{Field: key, Message: "not a number"}
		}
		return f, nil
	default:
		return 0, &batonerrors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("expected a number, got %T", raw),
		}
	}
}
