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

package watermark

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skilbeck/baton/internal/ledger"
	batonerrors "github.com/skilbeck/baton/pkg/errors"
	"github.com/skilbeck/baton/pkg/work"
)

// CreatePlan records a new backfill plan in PLANNED state.
func (s *Service) CreatePlan(ctx context.Context, domain, source string, reason ledger.PlanReason, partitionKeys []string, createdBy string) (*ledger.BackfillPlan, error) {
	if domain == "" || source == "" {
		return nil, &batonerrors.ValidationError{
			Field:   "domain",
			Message: "domain and source are required",
		}
	}
	if !reason.Valid() {
		return nil, &batonerrors.ValidationError{
			Field:      "reason",
			Message:    fmt.Sprintf("unknown reason %q", reason),
			Suggestion: "use GAP, CORRECTION, SCHEMA_CHANGE, QUALITY_FAILURE, or MANUAL",
		}
	}
	if len(partitionKeys) == 0 {
		return nil, &batonerrors.ValidationError{
			Field:   "partition_keys",
			Message: "at least one partition is required",
		}
	}
	seen := make(map[string]struct{}, len(partitionKeys))
	for _, key := range partitionKeys {
		if key == "" {
			return nil, &batonerrors.ValidationError{
				Field:   "partition_keys",
				Message: "empty partition key",
			}
		}
		if _, dup := seen[key]; dup {
			return nil, &batonerrors.ValidationError{
				Field:   "partition_keys",
				Message: fmt.Sprintf("duplicate partition key %q", key),
			}
		}
		seen[key] = struct{}{}
	}

	plan := &ledger.BackfillPlan{
		ID:            work.NewID(),
		Domain:        domain,
		Source:        source,
		Reason:        reason,
		PartitionKeys: partitionKeys,
		Status:        ledger.PlanPlanned,
		FailedKeys:    map[string]string{},
		CreatedBy:     createdBy,
		CreatedAt:     s.now(),
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	s.logger.Info("backfill planned",
		slog.String("plan_id", plan.ID),
		slog.String("domain", domain),
		slog.String("source", source),
		slog.Int("partitions", len(partitionKeys)))
	s.publish(work.EventBackfillPlanned, "", map[string]any{
		"plan_id":    plan.ID,
		"domain":     domain,
		"source":     source,
		"reason":     string(reason),
		"partitions": len(partitionKeys),
	})
	return plan, nil
}

// GetPlan returns one plan.
func (s *Service) GetPlan(ctx context.Context, id string) (*ledger.BackfillPlan, error) {
	return s.store.GetPlan(ctx, id)
}

// ListPlans returns plans filtered by domain and statuses; zero values
// mean any.
func (s *Service) ListPlans(ctx context.Context, domain string, statuses []ledger.PlanStatus) ([]ledger.BackfillPlan, error) {
	return s.store.ListPlans(ctx, domain, statuses)
}

// StartPlan moves a PLANNED plan to RUNNING.
func (s *Service) StartPlan(ctx context.Context, id string) (*ledger.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status != ledger.PlanPlanned {
		return nil, planStateError(plan, "start", "PLANNED")
	}
	now := s.now()
	plan.Status = ledger.PlanRunning
	plan.StartedAt = &now
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.publish(work.EventBackfillStarted, "", map[string]any{"plan_id": plan.ID})
	return plan, nil
}

// MarkPartitionDone records one partition completed. Completion is
// monotonic: a partition marked done stays done even if later marked
// failed by a racing worker.
func (s *Service) MarkPartitionDone(ctx context.Context, id, partitionKey string) (*ledger.BackfillPlan, error) {
	return s.markPartition(ctx, id, partitionKey, "")
}

// MarkPartitionFailed records one partition failed with its error.
func (s *Service) MarkPartitionFailed(ctx context.Context, id, partitionKey, cause string) (*ledger.BackfillPlan, error) {
	if cause == "" {
		cause = "unspecified failure"
	}
	return s.markPartition(ctx, id, partitionKey, cause)
}

func (s *Service) markPartition(ctx context.Context, id, partitionKey, cause string) (*ledger.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status != ledger.PlanRunning {
		return nil, planStateError(plan, "mark partition", "RUNNING")
	}
	if !containsKey(plan.PartitionKeys, partitionKey) {
		return nil, &batonerrors.ValidationError{
			Field:   "partition_key",
			Message: fmt.Sprintf("%q is not part of plan %s", partitionKey, id),
		}
	}

	if cause == "" {
		if !containsKey(plan.CompletedKeys, partitionKey) {
			plan.CompletedKeys = append(plan.CompletedKeys, partitionKey)
		}
		delete(plan.FailedKeys, partitionKey)
		s.publish(work.EventBackfillPartitionDone, "", map[string]any{
			"plan_id":       plan.ID,
			"partition_key": partitionKey,
		})
	} else if !containsKey(plan.CompletedKeys, partitionKey) {
		if plan.FailedKeys == nil {
			plan.FailedKeys = map[string]string{}
		}
		plan.FailedKeys[partitionKey] = cause
	}

	s.deriveTerminal(plan)
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	if plan.Status.Terminal() {
		s.publishTerminal(plan)
	}
	return plan, nil
}

// deriveTerminal finalises the plan once every partition is accounted
// for: all done is COMPLETED, a mix is PARTIAL, none done is FAILED.
func (s *Service) deriveTerminal(plan *ledger.BackfillPlan) {
	if len(plan.CompletedKeys)+len(plan.FailedKeys) < len(plan.PartitionKeys) {
		return
	}
	now := s.now()
	plan.CompletedAt = &now
	switch {
	case len(plan.FailedKeys) == 0:
		plan.Status = ledger.PlanCompleted
	case len(plan.CompletedKeys) > 0:
		plan.Status = ledger.PlanPartial
	default:
		plan.Status = ledger.PlanFailed
	}
}

// SaveCheckpoint stores an opaque resume token on a running plan.
func (s *Service) SaveCheckpoint(ctx context.Context, id, token string) error {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return planStateError(plan, "checkpoint", "non-terminal")
	}
	plan.Checkpoint = token
	return s.store.SavePlan(ctx, plan)
}

// Resumable reports whether the plan can pick up where it left off: it
// is not terminal, or it is PARTIAL/FAILED with partitions left to win.
func (s *Service) Resumable(ctx context.Context, id string) (bool, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return false, err
	}
	return resumable(plan), nil
}

func resumable(plan *ledger.BackfillPlan) bool {
	switch plan.Status {
	case ledger.PlanRunning:
		return true
	case ledger.PlanPartial, ledger.PlanFailed:
		return len(plan.CompletedKeys) < len(plan.PartitionKeys)
	default:
		return false
	}
}

// Resume reopens a PARTIAL or FAILED plan: failed partitions go back
// into contention, completed ones stay completed.
func (s *Service) Resume(ctx context.Context, id string) (*ledger.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status == ledger.PlanRunning {
		return plan, nil
	}
	if !resumable(plan) {
		return nil, planStateError(plan, "resume", "PARTIAL or FAILED with work left")
	}

	plan.Status = ledger.PlanRunning
	plan.FailedKeys = map[string]string{}
	plan.CompletedAt = nil
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("backfill resumed",
		slog.String("plan_id", plan.ID),
		slog.String("checkpoint", plan.Checkpoint),
		slog.Int("remaining", len(plan.PartitionKeys)-len(plan.CompletedKeys)))
	s.publish(work.EventBackfillStarted, "", map[string]any{
		"plan_id": plan.ID,
		"resumed": true,
	})
	return plan, nil
}

// CancelPlan aborts a non-terminal plan.
func (s *Service) CancelPlan(ctx context.Context, id string) (*ledger.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status.Terminal() {
		return nil, planStateError(plan, "cancel", "non-terminal")
	}
	now := s.now()
	plan.Status = ledger.PlanCancelled
	plan.CompletedAt = &now
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.publish(work.EventBackfillCancelled, "", map[string]any{"plan_id": plan.ID})
	return plan, nil
}

// Progress returns completion percentage by partitions completed.
func Progress(plan *ledger.BackfillPlan) float64 {
	if len(plan.PartitionKeys) == 0 {
		return 0
	}
	return float64(len(plan.CompletedKeys)) / float64(len(plan.PartitionKeys)) * 100
}

func (s *Service) publishTerminal(plan *ledger.BackfillPlan) {
	payload := map[string]any{
		"plan_id":   plan.ID,
		"status":    string(plan.Status),
		"completed": len(plan.CompletedKeys),
		"failed":    len(plan.FailedKeys),
	}
	s.publish(work.EventBackfillCompleted, "", payload)
}

func planStateError(plan *ledger.BackfillPlan, op, want string) error {
	return &batonerrors.ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("cannot %s plan %s in status %s (want %s)", op, plan.ID, plan.Status, want),
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
