// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LoadProperties reads a TOML property overlay. Nested tables flatten to
// dotted keys, so
//
//	[management.remote]
//	port = "any"
//
// yields "management.remote.port" = "any". Arrays join with commas; other
// scalars use their TOML text form.
func LoadProperties(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("properties load failed (%s): %w", path, err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("properties parse failed (%s): %w", path, err)
	}

	out := make(map[string]string)
	flatten(out, "", doc)
	return out, nil
}

func flatten(out map[string]string, prefix string, table map[string]any) {
	for k, v := range table {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(out, key, sub)
			continue
		}
		out[key] = scalar(v)
	}
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = scalar(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}
