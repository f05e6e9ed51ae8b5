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

// Package dlq inspects and replays dead letters. The executor records
// them when a run fails past its retry budget; this service is the
// controlled way back into the pipeline.
package dlq

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

// Replayer is the dispatcher slice replay needs.
type Replayer interface {
	Submit(ctx context.Context, spec work.Spec) (string, error)
	GetRun(ctx context.Context, runID string) (*ledger.Run, error)
}

// Service inspects and replays dead letters.
type Service struct {
	store    ledger.DeadLetterStore
	replayer Replayer
	events   bus.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the service.
func New(store ledger.DeadLetterStore, replayer Replayer, events bus.Bus) *Service {
	return &Service{
		store:    store,
		replayer: replayer,
		events:   events,
		logger:   slog.Default().With(slog.String("component", "dlq")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// List returns a page of dead letters.
func (s *Service) List(ctx context.Context, filter ledger.DeadLetterFilter, page ledger.Page) (*ledger.DeadLetterPage, error) {
	return s.store.ListDeadLetters(ctx, filter, page)
}

// Get returns one dead letter.
func (s *Service) Get(ctx context.Context, id string) (*ledger.DeadLetter, error) {
	return s.store.GetDeadLetter(ctx, id)
}

// CanRetry reports whether the letter still has replay budget and is
// not yet resolved.
func (s *Service) CanRetry(ctx context.Context, id string) (bool, error) {
	letter, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return false, err
	}
	return retriable(letter), nil
}

func retriable(letter *ledger.DeadLetter) bool {
	return letter.ResolvedAt == nil && letter.RetryCount < letter.MaxRetries
}

// Replay resubmits the dead letter's work as a fresh run linked to the
// original through parentRunId. Returns the new run ID.
func (s *Service) Replay(ctx context.Context, id, trigger string) (string, error) {
	letter, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	if letter.ResolvedAt != nil {
		return "", &batonerrors.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("dead letter %s is already resolved", id),
		}
	}
	if letter.RetryCount >= letter.MaxRetries {
		return "", &batonerrors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("dead letter %s has no replay budget left (%d/%d)", id, letter.RetryCount, letter.MaxRetries),
			Suggestion: "resolve it, or submit a fresh run with adjusted params",
		}
	}

	spec, err := s.replaySpec(ctx, letter)
	if err != nil {
		return "", err
	}

	runID, err := s.replayer.Submit(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("replaying dead letter %s: %w", id, err)
	}

	now := s.now()
	if err := s.store.MarkRetry(ctx, id, now); err != nil {
		// The run is already in flight; the budget row is best-effort.
		s.logger.Error("retry mark failed",
			slog.String("dead_letter_id", id),
			slog.String("error", err.Error()))
	}

	s.logger.Info("dead letter replayed",
		slog.String("dead_letter_id", id),
		slog.String("run_id", runID),
		slog.String("trigger", trigger))
	s.publish(work.EventDLQReplayed, letter, map[string]any{
		"dead_letter_id": id,
		"new_run_id":     runID,
		"trigger":        trigger,
	})
	metrics.RecordDLQReplay(trigger)
	return runID, nil
}

// replaySpec rebuilds the original work from the dead letter. The
// original run record carries the authoritative spec; the letter's
// denormalised workflow+params are the fallback when the run has been
// purged.
func (s *Service) replaySpec(ctx context.Context, letter *ledger.DeadLetter) (work.Spec, error) {
	var spec work.Spec
	original, err := s.replayer.GetRun(ctx, letter.RunID)
	if err == nil {
		spec = original.Spec
	} else {
		spec = work.NewSpec(work.KindWorkflow, letter.Workflow, letter.Params)
	}

	spec.ParentRunID = letter.RunID
	spec.TriggerSource = "dlq_replay"
	// A replay is a deliberate new attempt, not a duplicate submission.
	spec.IdempotencyKey = ""
	return spec, nil
}

// Resolve marks the letter handled without replay.
func (s *Service) Resolve(ctx context.Context, id, by string) error {
	letter, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if letter.ResolvedAt != nil {
		return &batonerrors.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("dead letter %s is already resolved", id),
		}
	}
	if err := s.store.ResolveDeadLetter(ctx, id, by, s.now()); err != nil {
		return err
	}
	s.logger.Info("dead letter resolved",
		slog.String("dead_letter_id", id),
		slog.String("resolved_by", by))
	s.publish(work.EventDLQResolved, letter, map[string]any{
		"dead_letter_id": id,
		"resolved_by":    by,
	})
	return nil
}

func (s *Service) publish(eventType string, letter *ledger.DeadLetter, payload map[string]any) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(context.Background(), bus.Event{
		Type:           eventType,
		RunID:          letter.RunID,
		Payload:        payload,
		IdempotencyKey: letter.ID + ":" + eventType + ":" + fmt.Sprint(letter.RetryCount),
	})
	if err != nil {
		s.logger.Debug("event publish failed", slog.String("error", err.Error()))
		return
	}
	metrics.RecordEventPublished(eventType)
}
