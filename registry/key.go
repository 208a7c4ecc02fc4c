package registry

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Spec names a logical list view: a subscription type plus a small parameter
// map of scalar values.
type Spec struct {
	Type   string
	Params map[string]any
}

// Key derives the canonical string form of the spec: the type alone when
// params is empty, otherwise type + "?" + "name=value" pairs sorted by name.
// Two specs with the same logical meaning always produce the same key.
func (s Spec) Key() string {
	if len(s.Params) == 0 {
		return s.Type
	}
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(s.Type)
	b.WriteByte('?')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(scalarString(s.Params[name]))
	}
	return b.String()
}

// scalarString renders a param value in its natural JSON scalar form:
// strings bare, numbers without exponent noise, booleans as true/false.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case nil:
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
