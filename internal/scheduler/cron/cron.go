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

// Package cron parses five-field cron expressions (minute hour
// day-of-month month day-of-week) and computes next fire times. The
// grammar covers wildcards, lists, ranges, steps, and the common
// @aliases. Day-of-month and day-of-week are ANDed when both are
// restricted.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed schedule. Each field is a bitmask of the
// allowed values; bit n set means value n matches.
type Expression struct {
	minutes uint64
	hours   uint32
	days    uint32
	months  uint16
	dows    uint8

	source string
}

var aliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// Parse compiles a cron expression.
func Parse(expr string) (*Expression, error) {
	source := expr
	if alias, ok := aliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", source, len(fields))
	}

	var e Expression
	e.source = source

	specs := []struct {
		name     string
		min, max int
		assign   func(mask uint64)
	}{
		{"minute", 0, 59, func(m uint64) { e.minutes = m }},
		{"hour", 0, 23, func(m uint64) { e.hours = uint32(m) }},
		{"day-of-month", 1, 31, func(m uint64) { e.days = uint32(m) }},
		{"month", 1, 12, func(m uint64) { e.months = uint16(m) }},
		{"day-of-week", 0, 6, func(m uint64) { e.dows = uint8(m) }},
	}
	for i, spec := range specs {
		mask, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s field: %w", source, spec.name, err)
		}
		spec.assign(mask)
	}
	return &e, nil
}

// MustParse is Parse for expressions known valid at compile time.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the original expression text.
func (e *Expression) String() string { return e.source }

// parseField compiles one comma-separated field into a bitmask.
func parseField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		partMask, err := parsePart(part, min, max)
		if err != nil {
			return 0, err
		}
		mask |= partMask
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return mask, nil
}

// parsePart handles one atom: value, range, wildcard, each optionally
// with a /step suffix.
func parsePart(part string, min, max int) (uint64, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx >= 0 {
		parsed, err := strconv.Atoi(part[idx+1:])
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = parsed
		part = part[:idx]
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("invalid range start %q", bounds[0])
		}
		if end, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("invalid range end %q", bounds[1])
		}
	default:
		value, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", part)
		}
		start, end = value, value
	}

	if start < min || end > max {
		return 0, fmt.Errorf("%q out of range [%d-%d]", part, min, max)
	}
	if start > end {
		return 0, fmt.Errorf("inverted range %q", part)
	}

	var mask uint64
	for v := start; v <= end; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

func (e *Expression) minuteMatch(m int) bool { return e.minutes&(1<<uint(m)) != 0 }
func (e *Expression) hourMatch(h int) bool   { return e.hours&(1<<uint(h)) != 0 }
func (e *Expression) monthMatch(m int) bool  { return e.months&(1<<uint(m)) != 0 }

func (e *Expression) dayMatch(t time.Time) bool {
	dom := e.days&(1<<uint(t.Day())) != 0
	dow := e.dows&(1<<uint(int(t.Weekday()))) != 0
	return dom && dow
}

// searchHorizon bounds Next's scan. Nothing in a five-field grammar
// fires less often than once every four years (Feb 29 via "29 2").
const searchHorizon = 4 * 366 * 24 * time.Hour

// Next returns the first instant strictly after from that matches, in
// from's location. The zero time means no match inside the horizon.
func (e *Expression) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(searchHorizon)

	for t.Before(limit) {
		if !e.monthMatch(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !e.dayMatch(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !e.hourMatch(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !e.minuteMatch(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// NextIn is Next evaluated in the named IANA timezone. An empty name
// means UTC.
func (e *Expression) NextIn(from time.Time, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron timezone %q: %w", tz, err)
		}
	}
	return e.Next(from.In(loc)), nil
}
