package router

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToolSpec is one entry of a request's tool list: a type plus whatever
// type-specific fields the client or the alias supplied.
type ToolSpec struct {
	Type   string
	Params map[string]any
}

// Tool builds a parameterless ToolSpec.
func Tool(toolType string) ToolSpec { return ToolSpec{Type: toolType} }

// key is the identity used when merging: the type, or the function name for
// function tools so that several client functions can coexist.
func (t ToolSpec) key() string {
	if t.Type == "function" {
		if fn, ok := t.Params["function"].(map[string]any); ok {
			if name, _ := fn["name"].(string); name != "" {
				return "function:" + name
			}
		}
	}
	return t.Type
}

// MarshalJSON flattens the spec into {"type": ..., <params>}.
func (t ToolSpec) MarshalJSON() ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "type", t.Type); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		if k != "type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if out, err = sjson.SetBytes(out, escapeKey(k), t.Params[k]); err != nil {
			return nil, fmt.Errorf("tool %s: param %s: %w", t.Type, k, err)
		}
	}
	return out, nil
}

// UnmarshalJSON accepts the flattened form produced by MarshalJSON.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("tool must be a JSON object")
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Type = root.Get("type").String()
	delete(raw, "type")
	t.Params = nil
	if len(raw) > 0 {
		t.Params = raw
	}
	return nil
}

// ParseTools reads a JSON tool array; entries without a type are dropped.
func ParseTools(raw gjson.Result) ([]ToolSpec, error) {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	if !raw.IsArray() {
		return nil, fmt.Errorf("tools must be an array")
	}
	var out []ToolSpec
	for _, item := range raw.Array() {
		var spec ToolSpec
		if err := spec.UnmarshalJSON([]byte(item.Raw)); err != nil {
			return nil, err
		}
		if spec.Type == "" {
			continue
		}
		out = append(out, spec)
	}
	return out, nil
}

// MergeTools starts from auto and adds each user tool in order. A user tool
// replaces any entry with the same identity, moving to the end, so the result
// lists the untouched auto tools first followed by the caller's tools.
func MergeTools(auto, user []ToolSpec) []ToolSpec {
	merged := make([]ToolSpec, 0, len(auto)+len(user))
	for _, t := range auto {
		merged = append(merged, t.clone())
	}
	for _, u := range user {
		k := u.key()
		kept := merged[:0]
		for _, existing := range merged {
			if existing.key() != k {
				kept = append(kept, existing)
			}
		}
		merged = append(kept, u.clone())
	}
	return merged
}

func (t ToolSpec) clone() ToolSpec {
	if t.Params == nil {
		return ToolSpec{Type: t.Type}
	}
	params := make(map[string]any, len(t.Params))
	for k, v := range t.Params {
		params[k] = v
	}
	return ToolSpec{Type: t.Type, Params: params}
}

func escapeKey(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ':':
			out = append(out, '\\')
		}
		out = append(out, k[i])
	}
	return string(out)
}
