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

// Package jq evaluates jq programs over run data with timeout and
// input-size guards. The transform builtin and workflow validation both
// go through it.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	batonerrors "github.com/skilbeck/baton/pkg/errors"
)

const (
	// DefaultTimeout bounds a single program evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the JSON-encoded input (10 MiB).
	DefaultMaxInputSize = 10 << 20
)

// Executor evaluates jq programs under a timeout and an input budget.
// Compiled programs are cached by source text, so repeated evaluations
// of the same transform skip the parse/compile step.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewExecutor creates an executor. Zero values take the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		cache:        make(map[string]*gojq.Code),
	}
}

// Execute runs a program against data. An empty program returns the
// data untouched. A single output is returned directly; multiple
// outputs come back as a slice.
func (e *Executor) Execute(ctx context.Context, program string, data any) (any, error) {
	if program == "" {
		return data, nil
	}
	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}

	code, err := e.compiled(program)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var outputs []any
	iter := code.RunWithContext(execCtx, data)
	for {
		value, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := value.(error); isErr {
			if execCtx.Err() != nil {
				return nil, &batonerrors.TimeoutError{
					Operation: "jq",
					Duration:  e.timeout,
				}
			}
			return nil, &batonerrors.ValidationError{
				Field:   "input",
				Message: fmt.Sprintf("jq evaluation failed: %s", evalErr),
			}
		}
		outputs = append(outputs, value)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// Validate compiles a program without running it, for catching syntax
// errors at definition-load time.
func (e *Executor) Validate(program string) error {
	if program == "" {
		return nil
	}
	_, err := e.compiled(program)
	return err
}

// compiled returns the cached compilation of program, compiling and
// caching it on first sight. Failed programs are not cached; they are
// rare (rejected at load time) and re-reporting the error is cheap.
func (e *Executor) compiled(program string) (*gojq.Code, error) {
	e.mu.Lock()
	code, ok := e.cache[program]
	e.mu.Unlock()
	if ok {
		return code, nil
	}

	code, err := compile(program)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[program] = code
	e.mu.Unlock()
	return code, nil
}

func compile(program string) (*gojq.Code, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, &batonerrors.ValidationError{
			Field:   "program",
			Message: fmt.Sprintf("invalid jq program: %s", err),
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &batonerrors.ValidationError{
			Field:   "program",
			Message: fmt.Sprintf("jq compile failed: %s", err),
		}
	}
	return code, nil
}

func (e *Executor) checkInputSize(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return &batonerrors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("input is not JSON-encodable: %s", err),
		}
	}
	if int64(len(encoded)) > e.maxInputSize {
		return &batonerrors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("input is %d bytes, limit is %d", len(encoded), e.maxInputSize),
		}
	}
	return nil
}
