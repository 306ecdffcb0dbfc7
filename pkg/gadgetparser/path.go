// Copyright 2025 Kadir Pekel
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

package gadgetparser

import (
	"regexp"
	"strconv"
	"strings"
)

var nonNegativeIntPattern = regexp.MustCompile(`^\d+$`)

// setNestedValue assigns value at the slash-separated path fullKey within
// root, creating intermediate maps and arrays as needed. A path component
// consisting only of digits indexes into an array instead of a map key.
func setNestedValue(root map[string]any, fullKey string, value string) {
	parts := strings.Split(fullKey, "/")
	if len(parts) == 0 || parts[0] == "" {
		return
	}
	root[parts[0]] = assign(root[parts[0]], parts[1:], value)
}

// assign returns container with value set at path, rebuilding container as
// a map or slice as required. It is recursive to allow a path to mix map
// and array segments at any depth.
func assign(container any, path []string, value string) any {
	if len(path) == 0 {
		return value
	}

	key := path[0]
	if nonNegativeIntPattern.MatchString(key) {
		idx, _ := strconv.Atoi(key)
		slice, _ := container.([]any)
		for len(slice) <= idx {
			slice = append(slice, nil)
		}
		slice[idx] = assign(slice[idx], path[1:], value)
		return slice
	}

	m, _ := container.(map[string]any)
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = assign(m[key], path[1:], value)
	return m
}
