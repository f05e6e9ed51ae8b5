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

package executor

import "context"

// RunMeta identifies the run a handler is executing under. Handlers
// receive only (ctx, params); the pool attaches this to the context so
// composite handlers such as workflow closures can link child runs to
// their parent.
type RunMeta struct {
	RunID         string
	CorrelationID string
	TriggerSource string
}

type runMetaKey struct{}

// WithRunMeta attaches run metadata to the context.
func WithRunMeta(ctx context.Context, meta RunMeta) context.Context {
	return context.WithValue(ctx, runMetaKey{}, meta)
}

// RunMetaFromContext returns the run metadata, if the context carries
// any. Handlers invoked outside the pool (tests, direct calls) see none.
func RunMetaFromContext(ctx context.Context) (RunMeta, bool) {
	meta, ok := ctx.Value(runMetaKey{}).(RunMeta)
	return meta, ok
}
