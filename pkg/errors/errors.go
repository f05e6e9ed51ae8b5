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

// Package errors defines the error taxonomy shared by every component.
//
// The category set is closed on purpose: handlers and integrations attach
// detail through error fields and wrapping, not through new categories.
package errors

import (
	"context"
	"errors"
)

// Category classifies an error for retry and reporting decisions.
type Category string

const (
	// CategoryValidation marks input that failed a schema or spec check.
	CategoryValidation Category = "VALIDATION"

	// CategoryConfig marks runtime misconfiguration.
	CategoryConfig Category = "CONFIG"

	// CategorySource marks an upstream dependency returning bad data.
	CategorySource Category = "SOURCE"

	// CategoryTransient marks short-lived failures such as network blips
	// and lock contention.
	CategoryTransient Category = "TRANSIENT"

	// CategoryTimeout marks a wall-clock limit being exceeded.
	CategoryTimeout Category = "TIMEOUT"

	// CategoryInternal marks an unexpected invariant violation.
	CategoryInternal Category = "INTERNAL"
)

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryValidation, CategoryConfig, CategorySource,
		CategoryTransient, CategoryTimeout, CategoryInternal:
		return true
	}
	return false
}

// Classifier is implemented by errors that know their own category.
type Classifier interface {
	error

	// Category returns the error's taxonomy category.
	Category() Category
}

// Classify walks err's chain and returns the first declared category.
// Context deadline errors classify as TIMEOUT, context cancellation as
// TRANSIENT, and anything unclassified falls through to INTERNAL.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var classifier Classifier
	if errors.As(err, &classifier) {
		return classifier.Category()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	return CategoryInternal
}

// Retryable reports whether the taxonomy recommends retrying the category.
// Only TRANSIENT and TIMEOUT qualify; run-level retry budgets may choose to
// retry more broadly, but step-level RETRY policies follow this answer.
func Retryable(c Category) bool {
	return c == CategoryTransient || c == CategoryTimeout
}
