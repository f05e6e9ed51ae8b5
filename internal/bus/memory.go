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

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultBuffer = 256

// Memory is the in-process bus. Each subscriber owns a buffered queue
// drained by its own goroutine, so one stalled handler cannot hold up
// publishers or its peers. When a queue fills the newest event for that
// subscriber is dropped and counted.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	buffer int
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// MemoryOption adjusts Memory construction.
type MemoryOption func(*Memory)

// WithBuffer sets the per-subscriber queue size.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewMemory creates an in-process bus.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		subs:   make(map[int]*memorySub),
		buffer: defaultBuffer,
		logger: slog.Default().With(slog.String("component", "bus.memory")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Bus = (*Memory)(nil)

type memorySub struct {
	id      int
	pattern string
	queue   chan Event
	bus     *Memory
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// Pattern returns the subscription's pattern.
func (s *memorySub) Pattern() string { return s.pattern }

// Unsubscribe stops delivery and releases the queue goroutine.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.queue)
	})
	return nil
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *memorySub) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Subscribe registers a handler for every event matching pattern.
func (m *Memory) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySub{
		id:      m.nextID,
		pattern: pattern,
		queue:   make(chan Event, m.buffer),
		bus:     m,
	}
	m.nextID++
	m.subs[sub.id] = sub

	subscriptionID := fmt.Sprintf("memory-%d", sub.id)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range sub.queue {
			deliver(m.logger, subscriptionID, handler, ev)
		}
	}()

	return sub, nil
}

// Publish enqueues the event for every matching subscriber. The
// timestamp is stamped here when the caller left it zero.
func (m *Memory) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		// Publishes racing shutdown are dropped, not errors: components
		// emit events on their own goroutines right up until they stop.
		m.logger.Debug("dropping publish on closed bus",
			slog.String("event_type", event.Type))
		return nil
	}

	for _, sub := range m.subs {
		if !Match(sub.pattern, event.Type) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			sub.mu.Lock()
			sub.dropped++
			dropped := sub.dropped
			sub.mu.Unlock()
			m.logger.Warn("subscriber queue full, dropping event",
				slog.String("pattern", sub.pattern),
				slog.String("event_type", event.Type),
				slog.Int64("dropped_total", dropped))
		}
	}
	return nil
}

// Close stops all subscriptions and waits for queued events to drain.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.queue) })
	}
	m.wg.Wait()
	return nil
}

func (m *Memory) remove(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}
