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
	"os"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

// FileFetcher reads local files, mainly for drop directories and
// tests. Source config key: path (required).
type FileFetcher struct{}

// NewFileFetcher creates the fetcher.
func NewFileFetcher() *FileFetcher { return &FileFetcher{} }

// Type implements Fetcher.
func (f *FileFetcher) Type() string { return "file" }

// Fetch reads the configured file. A missing file is NOT_FOUND, not an
// error; the mtime serves as the Last-Modified validator.
func (f *FileFetcher) Fetch(ctx context.Context, src *ledger.Source, req FetchRequest) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := configString(src.Config, "path")
	if path == "" {
		return nil, &batonerrors.ConfigError{
			Key:    "path",
			Reason: fmt.Sprintf("source %s has no path", src.Name),
		}
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &FetchResult{Status: ledger.FetchNotFound}, nil
	}
	if err != nil {
		return nil, &batonerrors.TransientError{Op: "fetch", Message: "stat failed", Cause: err}
	}

	modified := info.ModTime().UTC().Format("2006-01-02T15:04:05Z")
	if req.LastModified != "" && req.LastModified == modified {
		return &FetchResult{Status: ledger.FetchUnchanged, LastModified: modified}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &batonerrors.TransientError{Op: "fetch", Message: "read failed", Cause: err}
	}
	return &FetchResult{
		Status:       ledger.FetchSuccess,
		Data:         data,
		ContentHash:  hashBytes(data),
		LastModified: modified,
	}, nil
}
