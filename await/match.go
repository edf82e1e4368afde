package await

import (
	"encoding/json"
	"reflect"

	"github.com/tidwall/gjson"
)

// Matches reports whether payload satisfies every path/value pair of
// match. Paths use gjson syntax; values compare as decoded JSON, so 1 and
// 1.0 are equal. An empty match accepts any payload.
func Matches(match map[string]any, payload json.RawMessage) bool {
	if len(match) == 0 {
		return true
	}
	if !gjson.ValidBytes(payload) {
		return false
	}
	for path, want := range match {
		got := gjson.GetBytes(payload, path)
		if !got.Exists() {
			return false
		}
		norm, ok := normalize(want)
		if !ok || !reflect.DeepEqual(got.Value(), norm) {
			return false
		}
	}
	return true
}

// normalize round-trips v through JSON so its shape matches what gjson
// produces.
func normalize(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
