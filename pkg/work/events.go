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

package work

// Event types the core emits. These names are a stable contract: bus
// subscribers and the ledger's event table both use them.
const (
	EventRunCreated      = "run.created"
	EventRunStarted      = "run.started"
	EventRunCompleted    = "run.completed"
	EventRunFailed       = "run.failed"
	EventRunCancelled    = "run.cancelled"
	EventRunDeadLettered = "run.dead_lettered"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"

	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowPartial   = "workflow.partial"

	EventScheduleTriggered      = "schedule.triggered"
	EventScheduleSkippedMisfire = "schedule.skipped_misfire"

	EventDLQRecorded = "dlq.recorded"
	EventDLQReplayed = "dlq.replayed"
	EventDLQResolved = "dlq.resolved"

	EventWatermarkAdvanced     = "watermark.advanced"
	EventBackfillPlanned       = "backfill.planned"
	EventBackfillStarted       = "backfill.started"
	EventBackfillPartitionDone = "backfill.partition_done"
	EventBackfillCompleted     = "backfill.completed"
	EventBackfillCancelled     = "backfill.cancelled"
)

// StatusEvent maps a run status to the event type its transition emits.
// PENDING maps to run.created since creation is the only way in.
func StatusEvent(s Status) string {
	switch s {
	case StatusPending:
		return EventRunCreated
	case StatusRunning:
		return EventRunStarted
	case StatusCompleted:
		return EventRunCompleted
	case StatusFailed:
		return EventRunFailed
	case StatusCancelled:
		return EventRunCancelled
	case StatusDeadLettered:
		return EventRunDeadLettered
	}
	return ""
}
