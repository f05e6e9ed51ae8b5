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

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// transitions is the legal edge set of the run state machine.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusDeadLettered: true,
	},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted,
		StatusFailed, StatusCancelled, StatusDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions except the
// FAILED -> DEAD_LETTERED edge, which is the one terminal-to-terminal move
// the lifecycle allows.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLettered:
		return true
	}
	return false
}

// Active reports whether a run in this status still occupies the
// idempotency-key namespace and may still be cancelled.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}
