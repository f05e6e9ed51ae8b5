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

// Package source pulls data from configured upstreams and records
// every attempt. Fetchers are pluggable by source type; the service
// layers conditional requests and a content-hash cache on top so
// unchanged upstreams cost one round trip and no downstream work.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/skilbeck/baton/internal/ledger"
)

// FetchRequest carries the conditional state from the previous fetch.
type FetchRequest struct {
	// Cursor is an opaque pagination or incremental token.
	Cursor string

	// ETag and LastModified feed conditional HTTP requests.
	ETag         string
	LastModified string
}

// FetchResult is one fetch attempt's outcome.
type FetchResult struct {
	Status ledger.FetchStatus

	// Data is the fetched payload; nil for UNCHANGED and NOT_FOUND.
	Data []byte

	// RecordCount is the number of records, when the fetcher can tell.
	RecordCount int

	// ContentHash is the sha256 of Data, hex-encoded.
	ContentHash string

	// ETag and LastModified are the upstream's validators, echoed back
	// on the next conditional request.
	ETag         string
	LastModified string

	// Cursor is the token the next incremental fetch should present.
	Cursor string
}

// Fetcher pulls from one class of upstream.
type Fetcher interface {
	// Type names the source type this fetcher serves, e.g. "http".
	Type() string

	// Fetch performs one attempt. Upstream-condition failures (4xx,
	// missing files) come back as statuses, not errors; errors mean the
	// attempt itself could not run.
	Fetch(ctx context.Context, src *ledger.Source, req FetchRequest) (*FetchResult, error)
}

// hashBytes is the canonical content hash: hex sha256.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// configString reads a string key from a source config map.
func configString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	s, _ := config[key].(string)
	return s
}
