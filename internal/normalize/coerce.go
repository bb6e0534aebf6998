package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// candidate is a key path into a decoded JSON object. Candidates for one
// field are tried in slice order and the first present value wins.
type candidate []string

func (c candidate) String() string {
	return strings.Join(c, ".")
}

// lookup follows the path through nested objects.
func (c candidate) lookup(m map[string]any) (any, bool) {
	var cur any = m
	for _, key := range c {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func keys(names ...string) []candidate {
	out := make([]candidate, len(names))
	for i, n := range names {
		out[i] = candidate{n}
	}
	return out
}

// firstNonEmpty returns the first candidate value that is present and not
// empty (nil, blank string, empty list or empty object).
func firstNonEmpty(m map[string]any, cands []candidate) (any, candidate, bool) {
	for _, c := range cands {
		v, ok := c.lookup(m)
		if ok && !isEmpty(v) {
			return v, c, true
		}
	}
	return nil, nil, false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// toFloat coerces JSON numbers, Go numerics and numeric strings to a
// finite float64.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toInt coerces to an integer, rejecting values with a fractional part.
func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, false
		}
		return parsed, true
	}
	if f, ok := toFloat(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

// toID renders a scalar identifier as a string.
func toID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		id = strings.TrimSpace(id)
		return id, id != ""
	case json.Number:
		return id.String(), true
	case float64:
		if math.IsNaN(id) || math.IsInf(id, 0) {
			return "", false
		}
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	}
	return "", false
}
