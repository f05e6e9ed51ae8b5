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

package dlq

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Auto-retry defaults.
const (
	DefaultAutoRetryInterval = time.Minute
	DefaultBatchSize         = 10
	DefaultReplayRate        = rate.Limit(1) // replays per second
)

// AutoRetryConfig shapes the background replay loop.
type AutoRetryConfig struct {
	// Interval between scans.
	Interval time.Duration

	// BatchSize bounds letters replayed per scan.
	BatchSize int

	// ReplayRate throttles submissions inside a batch so a large DLQ
	// cannot storm the executor.
	ReplayRate rate.Limit
}

func (c *AutoRetryConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultAutoRetryInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ReplayRate <= 0 {
		c.ReplayRate = DefaultReplayRate
	}
}

// AutoRetrier periodically replays retriable dead letters.
type AutoRetrier struct {
	service *Service
	cfg     AutoRetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAutoRetrier creates the loop; Start begins it.
func NewAutoRetrier(service *Service, cfg AutoRetryConfig) *AutoRetrier {
	cfg.normalize()
	return &AutoRetrier{
		service: service,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.ReplayRate, 1),
		logger:  slog.Default().With(slog.String("component", "dlq.autoretry")),
	}
}

// Start launches the scan loop until ctx ends or Stop is called.
func (a *AutoRetrier) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.logger.Info("auto-retry starting",
		slog.Duration("interval", a.cfg.Interval),
		slog.Int("batch_size", a.cfg.BatchSize))

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (a *AutoRetrier) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.logger.Info("auto-retry stopped")
}

// Sweep replays one bounded batch of retriable letters. Exported so
// tests and operators can trigger a pass directly.
func (a *AutoRetrier) Sweep(ctx context.Context) int {
	letters, err := a.service.store.RetriableDeadLetters(ctx, a.cfg.BatchSize)
	if err != nil {
		a.logger.Error("retriable scan failed", slog.String("error", err.Error()))
		return 0
	}

	replayed := 0
	for i := range letters {
		if err := a.limiter.Wait(ctx); err != nil {
			return replayed
		}
		if _, err := a.service.Replay(ctx, letters[i].ID, "auto"); err != nil {
			a.logger.Warn("auto replay failed",
				slog.String("dead_letter_id", letters[i].ID),
				slog.String("error", err.Error()))
			continue
		}
		replayed++
	}
	if replayed > 0 {
		a.logger.Info("auto-retry sweep done", slog.Int("replayed", replayed))
	}
	return replayed
}
