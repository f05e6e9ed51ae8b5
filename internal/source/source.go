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
	"log/slog"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/metrics"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// Service coordinates fetchers, the hash cache, and fetch history.
type Service struct {
	store    ledger.SourceStore
	cache    Cache
	fetchers map[string]Fetcher
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the service. A nil cache disables hash short-circuiting.
func New(store ledger.SourceStore, cache Cache, fetchers ...Fetcher) *Service {
	s := &Service{
		store:    store,
		cache:    cache,
		fetchers: make(map[string]Fetcher),
		logger:   slog.Default().With(slog.String("component", "source")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, f := range fetchers {
		s.fetchers[f.Type()] = f
	}
	return s
}

// RegisterFetcher adds or replaces the fetcher for a source type.
func (s *Service) RegisterFetcher(f Fetcher) {
	s.fetchers[f.Type()] = f
}

// Save validates and upserts a source definition.
func (s *Service) Save(ctx context.Context, src *ledger.Source) error {
	if src.Name == "" {
		return &batonerrors.ValidationError{Field: "name", Message: "source name is required"}
	}
	if _, ok := s.fetchers[src.Type]; !ok {
		return &batonerrors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("no fetcher for source type %q", src.Type),
			Suggestion: "register a fetcher for the type first",
		}
	}
	if src.ID == "" {
		src.ID = work.NewID()
	}
	return s.store.SaveSource(ctx, src)
}

// Get returns one source by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Source, error) {
	return s.store.GetSource(ctx, id)
}

// GetByName returns one source by name.
func (s *Service) GetByName(ctx context.Context, name string) (*ledger.Source, error) {
	return s.store.GetSourceByName(ctx, name)
}

// List returns sources, optionally filtered by domain.
func (s *Service) List(ctx context.Context, domain string) ([]ledger.Source, error) {
	return s.store.ListSources(ctx, domain)
}

// Delete removes a source definition.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSource(ctx, id)
}

// History returns a source's fetch records, newest first.
func (s *Service) History(ctx context.Context, sourceID string, page ledger.Page) ([]ledger.SourceFetch, int, error) {
	return s.store.ListFetches(ctx, sourceID, page)
}

// Fetch runs one fetch attempt against a named source. Every attempt
// lands in fetch history; the returned record carries the outcome. The
// result holds the payload for SUCCESS fetches.
func (s *Service) Fetch(ctx context.Context, sourceName string) (*ledger.SourceFetch, *FetchResult, error) {
	src, err := s.store.GetSourceByName(ctx, sourceName)
	if err != nil {
		return nil, nil, err
	}
	if !src.Enabled {
		return nil, nil, &batonerrors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("source %s is disabled", sourceName),
		}
	}
	fetcher, ok := s.fetchers[src.Type]
	if !ok {
		return nil, nil, &batonerrors.ConfigError{
			Key:    "type",
			Reason: fmt.Sprintf("no fetcher for source type %q", src.Type),
		}
	}

	req := FetchRequest{}
	if last, err := s.store.LastFetch(ctx, src.ID); err == nil && last != nil {
		req.Cursor = last.Cursor
		req.ETag = last.ETag
		req.LastModified = last.LastModified
	}

	startedAt := s.now()
	record := &ledger.SourceFetch{
		ID:        work.NewID(),
		SourceID:  src.ID,
		StartedAt: startedAt,
	}

	result, err := fetcher.Fetch(ctx, src, req)
	completedAt := s.now()
	record.CompletedAt = &completedAt
	record.DurationMS = completedAt.Sub(startedAt).Milliseconds()

	if err != nil {
		record.Status = ledger.FetchFailed
		record.Error = err.Error()
		s.finishFetch(ctx, src, record)
		return record, nil, err
	}

	record.Status = result.Status
	record.RecordCount = result.RecordCount
	record.ByteCount = int64(len(result.Data))
	record.ContentHash = result.ContentHash
	record.ETag = result.ETag
	record.LastModified = result.LastModified
	record.Cursor = result.Cursor

	// Hash short-circuit: an upstream without validators still counts
	// as unchanged when the payload hash matches the last seen one.
	if result.Status == ledger.FetchSuccess && s.cache != nil {
		cached, cacheErr := s.cache.GetHash(ctx, src.Name)
		switch {
		case cacheErr != nil:
			s.logger.Warn("hash cache read failed",
				slog.String("source", src.Name),
				slog.String("error", cacheErr.Error()))
		case cached != "" && cached == result.ContentHash:
			record.Status = ledger.FetchUnchanged
			result.Status = ledger.FetchUnchanged
			result.Data = nil
		default:
			if err := s.cache.PutHash(ctx, src.Name, result.ContentHash); err != nil {
				s.logger.Warn("hash cache write failed",
					slog.String("source", src.Name),
					slog.String("error", err.Error()))
			}
		}
	}

	if record.Status == ledger.FetchSuccess {
		// Capture IDs link the fetched payload to the runs it triggers.
		record.CaptureID = work.NewID()
	}

	s.finishFetch(ctx, src, record)
	return record, result, nil
}

func (s *Service) finishFetch(ctx context.Context, src *ledger.Source, record *ledger.SourceFetch) {
	if err := s.store.RecordFetch(ctx, record); err != nil {
		s.logger.Error("fetch record failed",
			slog.String("source", src.Name),
			slog.String("error", err.Error()))
	}
	metrics.RecordSourceFetch(src.Type, string(record.Status))
	s.logger.Info("fetch finished",
		slog.String("source", src.Name),
		slog.String("status", string(record.Status)),
		slog.Int64("bytes", record.ByteCount),
		slog.Int64("duration_ms", record.DurationMS))
}
