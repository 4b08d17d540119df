// Copyright 2024 Google LLC
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

// Package conf holds helpers to read configuration subtrees.
// Values may come from JSON or YAML-converted trees, so "truthy"
// accepts the usual spellings: true, 1, yes, on.
package conf

import (
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// ValueIsTrue reports whether a scalar configuration value is truthy.
func ValueIsTrue(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v == 1
	case int:
		return v == 1
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "yes", "true", "on":
			return true
		}
	}
	return false
}

// ChildIsTrue reports whether `node.key` exists and is truthy.
func ChildIsTrue(node *gabs.Container, key string) bool {
	if node == nil {
		return false
	}
	child := node.Search(key)
	if child == nil {
		return false
	}
	return ValueIsTrue(child.Data())
}

// ChildString returns `node.key` as a string when present.
func ChildString(node *gabs.Container, key string) (string, bool) {
	if node == nil {
		return "", false
	}
	child := node.Search(key)
	if child == nil {
		return "", false
	}
	s, ok := child.Data().(string)
	return s, ok
}
