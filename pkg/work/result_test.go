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

import (
	"errors"
	"strconv"
	"testing"
)

func TestResultOkPath(t *testing.T) {
	r := Ok(21)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok result misreported")
	}

	doubled := Map(r, func(v int) int { return v * 2 })
	v, err := doubled.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("value = %d, want 42", v)
	}

	asString := Map(doubled, strconv.Itoa)
	if got := asString.OrElse("none"); got != "42" {
		t.Errorf("OrElse = %q, want %q", got, "42")
	}
}

func TestResultErrPath(t *testing.T) {
	boom := errors.New("boom")
	r := Err[int](boom)

	if r.IsOk() || !r.IsErr() {
		t.Fatal("Err result misreported")
	}
	if got := r.OrElse(7); got != 7 {
		t.Errorf("OrElse = %d, want 7", got)
	}

	// Map and FlatMap pass errors through untouched.
	mapped := Map(r, func(v int) string { return "never" })
	if _, err := mapped.Unwrap(); !errors.Is(err, boom) {
		t.Errorf("Map lost the error: %v", err)
	}

	chained := FlatMap(r, func(v int) Result[string] { return Ok("never") })
	if _, err := chained.Unwrap(); !errors.Is(err, boom) {
		t.Errorf("FlatMap lost the error: %v", err)
	}
}

func TestResultFlatMapChains(t *testing.T) {
	parse := func(s string) Result[int] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Err[int](err)
		}
		return Ok(n)
	}

	good := FlatMap(Ok("17"), parse)
	if v := good.OrElse(0); v != 17 {
		t.Errorf("chained value = %d, want 17", v)
	}

	bad := FlatMap(Ok("seventeen"), parse)
	if !bad.IsErr() {
		t.Error("expected parse failure to propagate")
	}
}

func TestResultMapErr(t *testing.T) {
	wrapped := Err[string](errors.New("inner")).MapErr(func(err error) error {
		return errors.New("outer: " + err.Error())
	})
	if wrapped.Error() == nil || wrapped.Error().Error() != "outer: inner" {
		t.Errorf("MapErr = %v", wrapped.Error())
	}

	untouched := Ok("v").MapErr(func(err error) error { return errors.New("no") })
	if untouched.IsErr() {
		t.Error("MapErr should not touch Ok results")
	}
}
