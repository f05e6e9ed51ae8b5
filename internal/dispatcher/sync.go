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

package dispatcher

import (
	"context"
	"time"

	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/pkg/work"
)

// pollInterval is how often AwaitTerminal re-reads the run. The ledger
// is the source of truth for terminal state, so waiting is a poll
// rather than a bus subscription: a missed event cannot wedge a
// workflow step.
const pollInterval = 25 * time.Millisecond

// StepOutcome is the synchronous view of a dispatched run, shaped for
// the workflow runner's step loop.
type StepOutcome struct {
	RunID         string
	Status        work.Status
	Output        map[string]any
	Error         string
	ErrorCategory string
}

// SubmitOperationSync submits an operation and blocks until the run
// reaches a terminal status or ctx ends. It is the Runnable facade the
// workflow runner uses for operation steps.
func (d *Dispatcher) SubmitOperationSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*StepOutcome, error) {
	spec := work.NewSpec(work.KindOperation, name, params)
	spec.ParentRunID = parentRunID
	spec.CorrelationID = correlationID
	spec.TriggerSource = "workflow"
	return d.SubmitSync(ctx, spec)
}

// SubmitTaskSync is SubmitOperationSync for task steps.
func (d *Dispatcher) SubmitTaskSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*StepOutcome, error) {
	spec := work.NewSpec(work.KindTask, name, params)
	spec.ParentRunID = parentRunID
	spec.CorrelationID = correlationID
	spec.TriggerSource = "workflow"
	return d.SubmitSync(ctx, spec)
}

// SubmitSync submits a spec and waits for its terminal state.
func (d *Dispatcher) SubmitSync(ctx context.Context, spec work.Spec) (*StepOutcome, error) {
	runID, err := d.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	run, err := d.AwaitTerminal(ctx, runID)
	if err != nil {
		// The run keeps going; the caller stopped waiting.
		return &StepOutcome{RunID: runID}, err
	}
	return &StepOutcome{
		RunID:         run.ID,
		Status:        run.Status,
		Output:        run.Result,
		Error:         run.Error,
		ErrorCategory: run.ErrorCategory,
	}, nil
}

// AwaitTerminal polls the ledger until the run reaches a terminal
// status or ctx ends.
func (d *Dispatcher) AwaitTerminal(ctx context.Context, runID string) (*ledger.Run, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
