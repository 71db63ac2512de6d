package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the serialized form of a moment in time: ISO-8601 with
// fractional seconds and no zone, matching datetime.isoformat(). Go's
// ".999999" fraction is optional on parse, so whole-second values decode too.
const TimeLayout = "2006-01-02T15:04:05.999999"

// EncodeValue serializes v as JSON. time.Time values anywhere in the tree
// are written as TimeLayout strings.
func EncodeValue(v interface{}) (string, error) {
	data, err := json.Marshal(normalizeTimes(v))
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(data), nil
}

func normalizeTimes(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Format(TimeLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Format(TimeLayout)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeTimes(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeTimes(val)
		}
		return out
	default:
		return v
	}
}

// DecodeValue parses a serialized value. For mapping results, every string
// field is first tried as a TimeLayout moment and falls back to the literal
// string when it does not parse. The fallback is load-bearing: strings that
// merely resemble a date pass through unharmed, and callers must not rely on
// ambiguous partial matches.
func DecodeValue(s string) (interface{}, error) {
	var data interface{}
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	if m, ok := data.(map[string]interface{}); ok {
		for k, v := range m {
			if str, ok := v.(string); ok {
				if t, err := time.Parse(TimeLayout, str); err == nil {
					m[k] = t
				}
			}
		}
	}
	return data, nil
}
