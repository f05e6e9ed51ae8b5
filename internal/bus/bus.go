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

// Package bus carries lifecycle events between components. Subscribers
// name what they want with a pattern: an exact type ("run.completed"),
// a prefix ("run.*"), or everything ("*"). Publishing never blocks on a
// slow subscriber; delivery is at-least-once, so consumers that persist
// events dedupe on the envelope's idempotency key.
package bus

import (
	"context"
	"log/slog"
	"time"
)

// Event is the envelope published for every lifecycle transition.
type Event struct {
	// Type is a dot-separated event name, e.g. "run.completed".
	Type string `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the run the event belongs to, when there is one.
	RunID string `json:"run_id,omitempty"`

	// StepID names the workflow step for step-scoped events.
	StepID string `json:"step_id,omitempty"`

	// Payload carries type-specific detail.
	Payload map[string]any `json:"payload,omitempty"`

	// IdempotencyKey lets at-least-once consumers collapse duplicates.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Handler consumes one event. Handlers run outside the publisher's
// goroutine; returning promptly keeps the subscriber's queue short.
type Handler func(ctx context.Context, event Event)

// Subscription is a live pattern registration.
type Subscription interface {
	// Pattern returns the pattern this subscription was created with.
	Pattern() string

	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Bus publishes events to matching subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) (Subscription, error)
	Close() error
}

// deliver invokes a handler with panic isolation: a panicking
// subscriber is logged and skipped, never taking down the process or
// blocking delivery to its peers.
func deliver(logger *slog.Logger, subscriptionID string, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber handler panicked",
				slog.String("subscription_id", subscriptionID),
				slog.String("event_type", event.Type),
				slog.Any("error", r))
		}
	}()
	handler(context.Background(), event)
}
