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

// Package watermark tracks ingestion progress and plans backfills.
// Watermarks are forward-only high-water marks per (domain, source,
// partition); backfill plans are resumable replays of the partitions
// gap detection or an operator flags.
package watermark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/metrics"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// Store is the ledger slice this service needs.
type Store interface {
	ledger.WatermarkStore
	ledger.PlanStore
}

// Gap is a partition the watermarks say has not been ingested. Empty
// bounds mean the whole partition is missing.
type Gap struct {
	PartitionKey string `json:"partition_key"`
	GapStart     string `json:"gap_start,omitempty"`
	GapEnd       string `json:"gap_end,omitempty"`
}

// Service wraps the watermark and plan stores with domain rules.
type Service struct {
	store  Store
	events bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates the service.
func New(store Store, events bus.Bus) *Service {
	return &Service{
		store:  store,
		events: events,
		logger: slog.Default().With(slog.String("component", "watermark")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Advance moves a watermark forward. A highWater at or below the
// stored value keeps the stored one; the returned watermark is the
// stored state either way.
func (s *Service) Advance(ctx context.Context, domain, source, partitionKey, highWater string) (*ledger.Watermark, error) {
	if domain == "" || source == "" {
		return nil, &batonerrors.ValidationError{
			Field:   "domain",
			Message: "domain and source are required",
		}
	}
	if highWater == "" {
		return nil, &batonerrors.ValidationError{
			Field:   "high_water",
			Message: "high water value is required",
		}
	}

	wm, err := s.store.AdvanceWatermark(ctx, domain, source, partitionKey, highWater)
	if err != nil {
		return nil, err
	}

	advanced := wm.HighWater == highWater
	metrics.RecordWatermarkAdvance(domain, advanced)
	if advanced {
		s.logger.Debug("watermark advanced",
			slog.String("domain", domain),
			slog.String("source", source),
			slog.String("partition", partitionKey),
			slog.String("high_water", highWater))
		s.publish(work.EventWatermarkAdvanced, "", map[string]any{
			"domain":        domain,
			"source":        source,
			"partition_key": partitionKey,
			"high_water":    highWater,
		})
	} else {
		s.logger.Debug("watermark regress ignored",
			slog.String("domain", domain),
			slog.String("partition", partitionKey),
			slog.String("kept", wm.HighWater),
			slog.String("offered", highWater))
	}
	return wm, nil
}

// Get returns one watermark, nil when absent.
func (s *Service) Get(ctx context.Context, domain, source, partitionKey string) (*ledger.Watermark, error) {
	return s.store.GetWatermark(ctx, domain, source, partitionKey)
}

// ListAll returns watermarks, optionally filtered by domain.
func (s *Service) ListAll(ctx context.Context, domain string) ([]ledger.Watermark, error) {
	return s.store.ListWatermarks(ctx, domain)
}

// Delete removes a watermark, reporting whether one existed.
func (s *Service) Delete(ctx context.Context, domain, source, partitionKey string) (bool, error) {
	return s.store.DeleteWatermark(ctx, domain, source, partitionKey)
}

// ListGaps compares stored watermarks against the expected partition
// set and returns the partitions with no recorded progress, in the
// expected order.
func (s *Service) ListGaps(ctx context.Context, domain, source string, expectedPartitions []string) ([]Gap, error) {
	marks, err := s.store.ListWatermarks(ctx, domain)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]ledger.Watermark, len(marks))
	for _, wm := range marks {
		if wm.Source == source {
			covered[wm.PartitionKey] = wm
		}
	}

	gaps := []Gap{}
	for _, partition := range expectedPartitions {
		if wm, ok := covered[partition]; ok && wm.HighWater != "" {
			continue
		}
		gaps = append(gaps, Gap{PartitionKey: partition})
	}
	return gaps, nil
}

// PlanFromGaps creates a GAP-reason backfill plan covering the given
// gaps. A convenience over CreatePlan for the detection path.
func (s *Service) PlanFromGaps(ctx context.Context, domain, source string, gaps []Gap, createdBy string) (*ledger.BackfillPlan, error) {
	if len(gaps) == 0 {
		return nil, &batonerrors.ValidationError{
			Field:   "gaps",
			Message: "no gaps to plan",
		}
	}
	keys := make([]string, len(gaps))
	for i, gap := range gaps {
		keys[i] = gap.PartitionKey
	}
	return s.CreatePlan(ctx, domain, source, ledger.ReasonGap, keys, createdBy)
}

func (s *Service) publish(eventType, runID string, payload map[string]any) {
	if s.events == nil {
		return
	}
	key := fmt.Sprintf("%s:%v:%v:%s", eventType, payload["domain"], payload["partition_key"], payload["high_water"])
	if planID, ok := payload["plan_id"]; ok {
		key = fmt.Sprintf("%s:%v:%v", eventType, planID, payload["partition_key"])
	}
	err := s.events.Publish(context.Background(), bus.Event{
		Type:           eventType,
		RunID:          runID,
		Payload:        payload,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger.Debug("event publish failed", slog.String("error", err.Error()))
		return
	}
	metrics.RecordEventPublished(eventType)
}
