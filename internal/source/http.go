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

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// HTTP fetcher limits.
const (
	DefaultHTTPTimeout = 30 * time.Second
	MaxResponseBytes   = 64 << 20 // 64 MiB
)

// HTTPFetcher pulls over HTTP with conditional GETs. Source config
// keys: url (required), method (default GET), plus a headers map.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates the fetcher; a nil client gets a default with
// a sane timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPFetcher{client: client}
}

// Type implements Fetcher.
func (f *HTTPFetcher) Type() string { return "http" }

// Fetch performs one conditional GET.
func (f *HTTPFetcher) Fetch(ctx context.Context, src *ledger.Source, req FetchRequest) (*FetchResult, error) {
	url := configString(src.Config, "url")
	if url == "" {
		return nil, &batonerrors.ConfigError{
			Key:    "url",
			Reason: fmt.Sprintf("source %s has no url", src.Name),
		}
	}
	method := configString(src.Config, "method")
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &batonerrors.ConfigError{Key: "url", Reason: err.Error(), Cause: err}
	}
	if headers, ok := src.Config["headers"].(map[string]any); ok {
		for name, value := range headers {
			httpReq.Header.Set(name, fmt.Sprint(value))
		}
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &batonerrors.TransientError{
			Op:      "fetch",
			Message: fmt.Sprintf("request to %s failed", src.Name),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{
			Status:       ledger.FetchUnchanged,
			ETag:         req.ETag,
			LastModified: req.LastModified,
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		return &FetchResult{Status: ledger.FetchNotFound}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &batonerrors.TransientError{
			Op:      "fetch",
			Message: fmt.Sprintf("%s returned HTTP %d", src.Name, resp.StatusCode),
		}

	case resp.StatusCode >= 400:
		return nil, &batonerrors.SourceError{
			Source:     src.Name,
			StatusCode: resp.StatusCode,
			Message:    "client-class response",
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &batonerrors.TransientError{
			Op:      "fetch",
			Message: "reading response body",
			Cause:   err,
		}
	}
	if len(data) > MaxResponseBytes {
		return nil, &batonerrors.SourceError{
			Source:  src.Name,
			Message: fmt.Sprintf("response exceeds %d bytes", MaxResponseBytes),
		}
	}

	return &FetchResult{
		Status:       ledger.FetchSuccess,
		Data:         data,
		ContentHash:  hashBytes(data),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
