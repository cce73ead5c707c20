package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Legacy is a document stored in the plain JSON form used before the canonical
// automerge encoding. Shape records are kept as decoded so that fields unknown to Shape
// survive the import.
type Legacy struct {
	Meta   Meta
	Shapes map[string]any
}

// DecodeLegacy parses a legacy record. Missing meta fields are filled from id and now.
func DecodeLegacy(raw []byte, id string, now time.Time) (Legacy, error) {
	var in struct {
		Meta *struct {
			Name      string          `json:"name"`
			Slug      string          `json:"slug"`
			CreatedAt json.RawMessage `json:"createdAt"`
		} `json:"meta"`
		Shapes map[string]json.RawMessage `json:"shapes"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Legacy{}, fmt.Errorf("failed to decode legacy record: %w", err)
	}

	out := Legacy{Meta: NewMeta(id, id, now), Shapes: make(map[string]any, len(in.Shapes))}
	if in.Meta != nil {
		if in.Meta.Name != "" {
			out.Meta.Name = in.Meta.Name
		}
		if ts, ok := legacyTimestamp(in.Meta.CreatedAt); ok {
			out.Meta.CreatedAt = ts
		}
	}
	for key, rawShape := range in.Shapes {
		var rec map[string]any
		if err := json.Unmarshal(rawShape, &rec); err != nil || rec == nil {
			// not an object, nothing a peer could render
			continue
		}
		if _, ok := rec["id"]; !ok {
			rec["id"] = key
		}
		out.Shapes[key] = rec
	}
	return out, nil
}

// legacyTimestamp accepts unix milliseconds or an RFC 3339 string.
func legacyTimestamp(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return int64(ms), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
