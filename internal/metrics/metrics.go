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

// Package metrics exposes Prometheus collectors for the work pipeline.
// Collectors register on the default registry at package init; the
// daemon serves them on /metrics via Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_runs_submitted_total",
			Help: "Total runs accepted by the dispatcher, by kind, lane and trigger source",
		},
		[]string{"kind", "lane", "trigger_source"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_runs_completed_total",
			Help: "Total runs reaching a terminal status, by kind and status",
		},
		[]string{"kind", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baton_run_duration_seconds",
			Help:    "Wall-clock run duration from start to terminal status",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind", "status"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "baton_queue_depth",
			Help: "Jobs waiting in each executor lane",
		},
		[]string{"lane"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_run_retries_total",
			Help: "Total automatic retry resubmissions, by error category",
		},
		[]string{"category"},
	)

	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_scheduler_ticks_total",
			Help: "Total scheduler ticks",
		},
	)

	schedulerTickLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "baton_scheduler_tick_lag_seconds",
			Help: "Delay between the expected and actual start of the last tick",
		},
	)

	schedulesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_schedule_dispatches_total",
			Help: "Total schedule firings, by outcome",
		},
		[]string{"outcome"},
	)

	deadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_dead_letters_total",
			Help: "Total runs captured into the dead letter queue",
		},
	)

	dlqReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_dlq_replays_total",
			Help: "Total dead letter replays, by trigger (manual or auto)",
		},
		[]string{"trigger"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_events_published_total",
			Help: "Total bus events published, by type",
		},
		[]string{"type"},
	)

	watermarkAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_watermark_advances_total",
			Help: "Watermark advance attempts, by domain and whether the value moved forward",
		},
		[]string{"domain", "advanced"},
	)

	lockContentions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_lock_contentions_total",
			Help: "Total submissions refused because a concurrency lock was held",
		},
	)

	sourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_source_fetches_total",
			Help: "Total source fetches, by source type and status",
		},
		[]string{"source_type", "status"},
	)
)

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunSubmitted increments the submission counter.
func RecordRunSubmitted(kind, lane, triggerSource string) {
	runsSubmitted.WithLabelValues(kind, lane, triggerSource).Inc()
}

// RecordRunCompleted records a terminal status and, when the run
// actually started, its duration.
func RecordRunCompleted(kind, status string, duration time.Duration) {
	runsCompleted.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		runDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	}
}

// SetQueueDepth sets the waiting-job gauge for a lane.
func SetQueueDepth(lane string, depth int) {
	queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordRetryScheduled increments the auto-retry counter.
func RecordRetryScheduled(category string) {
	retriesScheduled.WithLabelValues(category).Inc()
}

// RecordSchedulerTick counts a tick and records its lag.
func RecordSchedulerTick(lag time.Duration) {
	schedulerTicks.Inc()
	schedulerTickLag.Set(lag.Seconds())
}

// RecordScheduleDispatch counts one schedule firing outcome
// (dispatched, skipped_misfire, skipped_max_instances).
func RecordScheduleDispatch(outcome string) {
	schedulesDispatched.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter counts a run captured into the DLQ.
func RecordDeadLetter() {
	deadLetters.Inc()
}

// RecordDLQReplay counts a replay; trigger is "manual" or "auto".
func RecordDLQReplay(trigger string) {
	dlqReplays.WithLabelValues(trigger).Inc()
}

// RecordEventPublished counts a bus publish by event type.
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordWatermarkAdvance counts an advance attempt; advanced is false
// when the forward-only rule kept the existing value.
func RecordWatermarkAdvance(domain string, advanced bool) {
	watermarkAdvances.WithLabelValues(domain, boolLabel(advanced)).Inc()
}

// RecordLockContention counts a submission refused on lock contention.
func RecordLockContention() {
	lockContentions.Inc()
}

// RecordSourceFetch counts a fetch attempt by source type and outcome.
func RecordSourceFetch(sourceType, status string) {
	sourceFetches.WithLabelValues(sourceType, status).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
