// Copyright 2025 The Paasd Authors
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

package helm

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExpandDotted turns dotted keys ("ingress.tls.enabled") into nested maps.
// Keys are applied in sorted order so the result is deterministic when a
// dotted key and a nested map address the same path.
func ExpandDotted(values map[string]any) map[string]any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]any{}
	for _, k := range keys {
		v := values[k]
		if m, ok := asMap(v); ok {
			v = ExpandDotted(m)
		}

		parts := strings.Split(k, ".")
		nested := v
		for i := len(parts) - 1; i > 0; i-- {
			nested = map[string]any{parts[i]: nested}
		}
		out = Merge(out, map[string]any{parts[0]: nested})
	}
	return out
}

// Merge deep-merges overlay over base and returns a new map. Maps merge key
// by key; scalars and lists in overlay replace those in base.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		om, overlayIsMap := asMap(v)
		bm, baseIsMap := asMap(out[k])
		if overlayIsMap && baseIsMap {
			out[k] = Merge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// Render merges the expanded overlay over defaults and encodes the result
// as a YAML values document.
func Render(defaults, overlay map[string]any) ([]byte, error) {
	merged := Merge(ExpandDotted(defaults), ExpandDotted(overlay))
	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to render values: %w", err)
	}
	return out, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}
