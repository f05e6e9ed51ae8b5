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

package scheduler

import (
	"context"
	"sync"
	"time"
)

// Backend drives the tick cadence. The default is an in-process
// ticker; a distributed backend (external cron, leader-elected timer)
// implements the same protocol.
type Backend interface {
	// Start invokes tick every interval until ctx ends or Stop is
	// called. It returns after starting the loop.
	Start(ctx context.Context, tick func(context.Context), interval time.Duration)

	// Stop halts the loop and waits for an in-flight tick to finish.
	Stop()

	// Health reports the backend's own liveness.
	Health() Health
}

// Health is the scheduler's operational snapshot.
type Health struct {
	Healthy    bool      `json:"healthy"`
	Backend    string    `json:"backend"`
	InstanceID string    `json:"instance_id,omitempty"`
	TickCount  int64     `json:"tick_count"`
	LastTick   time.Time `json:"last_tick,omitempty"`
	Degraded   bool      `json:"degraded"`
}

// TickerBackend is the default single-process cadence driver.
type TickerBackend struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTickerBackend creates the default backend.
func NewTickerBackend() *TickerBackend {
	return &TickerBackend{}
}

// Start begins the tick loop. A second Start while running is a no-op.
func (b *TickerBackend) Start(ctx context.Context, tick func(context.Context), interval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// An immediate first tick, so due schedules do not wait one
		// interval after startup.
		tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}(b.done)
}

// Stop cancels the loop and waits for it to drain.
func (b *TickerBackend) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel, done := b.cancel, b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	<-done
}

// Health reports liveness.
func (b *TickerBackend) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{Healthy: b.running, Backend: "ticker"}
}
