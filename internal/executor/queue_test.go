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
	"testing"
	"time"

	"github.com/skilbeck/baton/pkg/work"
)

func queuedJob(id string, priority work.Priority) Job {
	return Job{
		RunID: id,
		Spec: work.Spec{
			Kind:     work.KindTask,
			Name:     "echo",
			Priority: priority,
		},
	}
}

func TestLaneQueue_FIFO(t *testing.T) {
	q := newLaneQueue()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(queuedJob(id, work.PriorityDefault)); err != nil {
			t.Fatalf("failed to enqueue %s: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("expected 3 queued jobs, got %d", q.Len())
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("failed to dequeue: %v", err)
		}
		if job.RunID != want {
			t.Errorf("expected run %s, got %s", want, job.RunID)
		}
	}
}

func TestLaneQueue_PriorityOrder(t *testing.T) {
	q := newLaneQueue()

	if err := q.Enqueue(queuedJob("low", work.PriorityLow)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := q.Enqueue(queuedJob("default", work.PriorityDefault)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := q.Enqueue(queuedJob("realtime", work.PriorityRealtime)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := q.Enqueue(queuedJob("high", work.PriorityHigh)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := q.Enqueue(queuedJob("default-2", work.PriorityDefault)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ctx := context.Background()
	want := []string{"realtime", "high", "default", "default-2", "low"}
	for _, expected := range want {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("failed to dequeue: %v", err)
		}
		if job.RunID != expected {
			t.Errorf("expected run %s, got %s", expected, job.RunID)
		}
	}
}

func TestLaneQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := newLaneQueue()

	got := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		got <- job
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(queuedJob("late", work.PriorityDefault)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	select {
	case job := <-got:
		if job.RunID != "late" {
			t.Errorf("expected run late, got %s", job.RunID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe enqueued job")
	}
}

func TestLaneQueue_DequeueContextCancelled(t *testing.T) {
	q := newLaneQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLaneQueue_Close(t *testing.T) {
	q := newLaneQueue()

	waiters := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Dequeue(context.Background())
			waiters <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close() // second close is a no-op

	for i := 0; i < 2; i++ {
		select {
		case err := <-waiters:
			if !errors.Is(err, ErrStopped) {
				t.Errorf("expected ErrStopped, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not wake on close")
		}
	}

	if err := q.Enqueue(queuedJob("x", work.PriorityDefault)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped on enqueue after close, got %v", err)
	}
}
