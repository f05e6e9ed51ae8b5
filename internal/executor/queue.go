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

package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/skilbeck/baton/pkg/work"
)

// ErrStopped is returned by queue operations after the pool stopped.
var ErrStopped = errors.New("executor stopped")

// laneQueue orders jobs by priority, FIFO within equal priority. It is
// unbounded: enqueueing never blocks, so dispatcher submission stays
// non-blocking under load.
type laneQueue struct {
	mu     sync.Mutex
	jobs   []Job
	signal chan struct{}
	closed bool
}

func newLaneQueue() *laneQueue {
	return &laneQueue{signal: make(chan struct{}, 1)}
}

// Enqueue inserts the job ahead of lower-priority work.
func (q *laneQueue) Enqueue(job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}

	inserted := false
	r := priorityRank(job.Spec.Priority)
	for i, queued := range q.jobs {
		if r > priorityRank(queued.Spec.Priority) {
			q.jobs = append(q.jobs[:i], append([]Job{job}, q.jobs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.jobs = append(q.jobs, job)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a job is available, the context ends, or the
// queue is closed.
func (q *laneQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrStopped
		}
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued jobs.
func (q *laneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close wakes all waiters and rejects further operations. Jobs still
// queued stay PENDING in the ledger and are re-enqueued on the next
// start.
func (q *laneQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.signal)
}

func priorityRank(p work.Priority) int {
	switch p {
	case work.PriorityRealtime:
		return 3
	case work.PriorityHigh:
		return 2
	case work.PriorityLow:
		return 0
	default:
		return 1
	}
}
