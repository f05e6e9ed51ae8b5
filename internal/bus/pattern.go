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

package bus

import (
	"fmt"
	"strings"
)

// Match reports whether pattern covers eventType. Three forms exist:
// "*" matches everything, "prefix.*" matches every type under the
// prefix, anything else matches exactly.
func Match(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// ValidatePattern rejects patterns that would silently never match.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is empty")
	}
	if pattern == "*" {
		return nil
	}
	if strings.Contains(pattern, "*") && !strings.HasSuffix(pattern, ".*") {
		return fmt.Errorf("pattern %q: wildcard is only valid as a trailing \".*\" or bare \"*\"", pattern)
	}
	if strings.HasSuffix(pattern, ".*") && strings.Count(pattern, "*") > 1 {
		return fmt.Errorf("pattern %q: multiple wildcards", pattern)
	}
	return nil
}
