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

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the shared tracer for this process.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/skilbeck/baton")
}

// StartDispatch opens a span covering spec validation and run creation.
func StartDispatch(ctx context.Context, kind, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("work.kind", kind),
			attribute.String("work.name", name),
		))
}

// StartExecute opens a span covering one handler invocation.
func StartExecute(ctx context.Context, runID, kind, name, lane string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("work.kind", kind),
			attribute.String("work.name", name),
			attribute.String("work.lane", lane),
		))
}

// StartStep opens a span for one workflow step.
func StartStep(ctx context.Context, runID, stepName, stepType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "step "+stepName,
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.name", stepName),
			attribute.String("step.type", stepType),
		))
}

// EndWithError records err on the span (when non-nil) and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
