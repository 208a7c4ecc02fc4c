package tracker

import (
	"encoding/json"
	"strconv"
	"time"
)

// Issue is the normalised view of one tracker item.  Only id and the two
// timestamps are interpreted; every other field the CLI returned is carried
// through verbatim and re-emitted on marshal.
type Issue struct {
	ID        string
	UpdatedAt int64 // epoch ms
	ClosedAt  int64 // epoch ms; 0 when absent

	fields map[string]json.RawMessage
}

// StringField returns the named passthrough field as a string, or "" when the
// field is absent or not a JSON string.
func (is Issue) StringField(name string) string {
	raw, ok := is.fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// MarshalJSON emits the original object with the coerced id.
func (is Issue) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(is.fields)+1)
	for k, v := range is.fields {
		out[k] = v
	}
	id, err := json.Marshal(is.ID)
	if err != nil {
		return nil, err
	}
	out["id"] = id
	return json.Marshal(out)
}

// UnmarshalJSON normalises an incoming object the same way the list mapper
// does, so deltas received over the wire round-trip into the same shape.
func (is *Issue) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	*is = normalizeFields(fields)
	return nil
}

// NormalizeIssue converts one raw JSON object into an Issue.
// Returns ok=false when the object has no usable id.
func NormalizeIssue(raw json.RawMessage) (Issue, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Issue{}, false
	}
	is := normalizeFields(fields)
	return is, is.ID != ""
}

// NormalizeList converts a raw JSON array into Issues, dropping elements
// without an id.  A null array yields an empty (non-nil) slice.
func NormalizeList(raw json.RawMessage) []Issue {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return []Issue{}
	}
	out := make([]Issue, 0, len(elems))
	for _, el := range elems {
		if is, ok := NormalizeIssue(el); ok {
			out = append(out, is)
		}
	}
	return out
}

// NormalizeOne accepts either a single object or a one-element array, the two
// shapes `show --json` produces depending on version.
// Returns ok=false for null, an empty array, or an object without an id.
func NormalizeOne(raw json.RawMessage) (Issue, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err == nil {
		if len(elems) == 0 {
			return Issue{}, false
		}
		return NormalizeIssue(elems[0])
	}
	return NormalizeIssue(raw)
}

func normalizeFields(fields map[string]json.RawMessage) Issue {
	is := Issue{fields: fields}
	is.ID = coerceID(fields["id"])
	is.UpdatedAt, _ = parseEpochMS(fields["updated_at"])
	is.ClosedAt, _ = parseEpochMS(fields["closed_at"])
	return is
}

func coerceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseEpochMS interprets a timestamp field: numbers are epoch ms as-is,
// strings are RFC 3339.  Anything else (absent, null, malformed) is (0, false).
func parseEpochMS(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int64(n), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// ParamNumber extracts a numeric subscription parameter; JSON decoding hands
// numbers over as float64 but tests and internal callers may use ints.
func ParamNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParamString extracts a string subscription parameter.
func ParamString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	}
	return "", false
}
