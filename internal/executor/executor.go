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

// Package executor runs dispatched work on per-lane worker pools. Each
// lane owns a priority queue and a fixed set of workers; a worker
// claims a run with a conditional PENDING to RUNNING transition,
// invokes the registered handler, and records the terminal status,
// retry schedule, or dead letter in the ledger.
package executor

import (
	"context"
	"time"

	"github.com/skilbeck/baton/pkg/work"
)

// Job is a unit of queued work. The spec is carried alongside the run
// ID so workers avoid a ledger read before claiming.
type Job struct {
	RunID      string
	Spec       work.Spec
	EnqueuedAt time.Time
}

// Executor accepts jobs for asynchronous execution.
type Executor interface {
	// Start launches the lane workers.
	Start()

	// Stop drains workers. Queued jobs are dropped and stay PENDING
	// in the ledger; in-flight handlers run to completion unless the
	// context ends first, in which case they are cancelled.
	Stop(ctx context.Context) error

	// Enqueue routes the job to its lane queue.
	Enqueue(ctx context.Context, job Job) error

	// Cancel signals the handler of a running job. It reports whether
	// a running execution was found.
	Cancel(runID string) bool
}

// Retrier creates a follow-up run for a failed one. The dispatcher
// owns run creation, so the pool calls back through this interface
// when a retry timer fires.
type Retrier interface {
	Retry(ctx context.Context, runID string) (string, error)
}
