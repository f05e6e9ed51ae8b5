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

package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Page
		want Page
	}{
		{"zero value gets default limit", Page{}, Page{Limit: DefaultLimit}},
		{"negative limit gets default", Page{Limit: -5, Offset: 10}, Page{Limit: DefaultLimit, Offset: 10}},
		{"negative offset clamped", Page{Limit: 20, Offset: -1}, Page{Limit: 20}},
		{"valid page unchanged", Page{Limit: 25, Offset: 100}, Page{Limit: 25, Offset: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestScheduleTypeValid(t *testing.T) {
	assert.True(t, ScheduleCron.Valid())
	assert.True(t, ScheduleInterval.Valid())
	assert.True(t, ScheduleOneShot.Valid())
	assert.False(t, ScheduleType("hourly").Valid())
	assert.False(t, ScheduleType("").Valid())
}

func TestPlanReasonValid(t *testing.T) {
	for _, r := range []PlanReason{ReasonGap, ReasonCorrection, ReasonSchemaChange, ReasonQualityFailure, ReasonManual} {
		assert.True(t, r.Valid(), "reason %s", r)
	}
	assert.False(t, PlanReason("WHIM").Valid())
}

func TestPlanStatusTerminal(t *testing.T) {
	assert.False(t, PlanPlanned.Terminal())
	assert.False(t, PlanRunning.Terminal())
	for _, s := range []PlanStatus{PlanCompleted, PlanFailed, PlanPartial, PlanCancelled} {
		assert.True(t, s.Terminal(), "status %s", s)
	}
}
