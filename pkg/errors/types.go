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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid work specs, malformed definitions, or constraint
// violations surfaced at submission time.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Category returns the taxonomy category.
func (e *ValidationError) Category() Category { return CategoryValidation }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid
// config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "database.dsn")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// Category returns the taxonomy category.
func (e *ConfigError) Category() Category { return CategoryConfig }

// SourceError represents an upstream dependency returning bad data or a
// client-class failure (4xx, malformed payload, schema drift).
type SourceError struct {
	// Source names the upstream (e.g., "edgar", "prices-api")
	Source string

	// StatusCode is the HTTP status code, if the upstream speaks HTTP
	StatusCode int

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	msg := fmt.Sprintf("source %s error", e.Source)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SourceError) Unwrap() error { return e.Cause }

// Category returns the taxonomy category.
func (e *SourceError) Category() Category { return CategorySource }

// TransientError represents short-lived failures that are expected to
// succeed on retry: network blips, lock contention, brief resource
// exhaustion.
type TransientError struct {
	// Op describes the operation that failed (e.g., "enqueue", "fetch")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transient failure in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("transient failure: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// Category returns the taxonomy category.
func (e *TransientError) Category() Category { return CategoryTransient }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured wall-clock bound.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "run", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Category returns the taxonomy category.
func (e *TimeoutError) Category() Category { return CategoryTimeout }

// InternalError represents unexpected invariant violations. These should
// page an operator rather than be retried blindly.
type InternalError struct {
	// Op describes the operation that failed
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("internal error in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// Category returns the taxonomy category.
func (e *InternalError) Category() Category { return CategoryInternal }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "schedule", "dead letter")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Category returns the taxonomy category.
func (e *NotFoundError) Category() Category { return CategoryValidation }

// LockContentionError is returned when a concurrency lock or schedule
// lease is held by another execution.
type LockContentionError struct {
	// Key is the contended lock key
	Key string

	// Holder identifies the current holder, when known
	Holder string
}

// Error implements the error interface.
func (e *LockContentionError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s held by %s", e.Key, e.Holder)
	}
	return fmt.Sprintf("lock %s is held", e.Key)
}

// Category returns the taxonomy category. Contention is transient: the
// holder's lease expires.
func (e *LockContentionError) Category() Category { return CategoryTransient }

// InvalidTransitionError is returned by the ledger when a status change
// violates the run lifecycle state machine.
type InvalidTransitionError struct {
	// RunID is the run whose transition was rejected
	RunID string

	// From is the current status
	From string

	// To is the requested status
	To string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// Category returns the taxonomy category.
func (e *InvalidTransitionError) Category() Category { return CategoryInternal }

// AlreadyRegisteredError is returned by the registry when a (kind, name)
// pair is registered twice without override.
type AlreadyRegisteredError struct {
	// Kind is the handler kind (task, operation, workflow)
	Kind string

	// Name is the handler name
	Name string
}

// Error implements the error interface.
func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is already registered", e.Kind, e.Name)
}

// Category returns the taxonomy category.
func (e *AlreadyRegisteredError) Category() Category { return CategoryValidation }
