package runtime

import "time"

// Parameter accessors shared by node implementations. Parameters arrive as
// decoded JSON, so numbers are float64 and absent keys fall back to the
// default.

// StringParam returns a string parameter or the default.
func StringParam(params map[string]interface{}, key, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// IntParam returns an integer parameter or the default.
func IntParam(params map[string]interface{}, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case int64:
			return int(val)
		case float64:
			return int(val)
		}
	}
	return defaultVal
}

// FloatParam returns a numeric parameter or the default.
func FloatParam(params map[string]interface{}, key string, defaultVal float64) float64 {
	if v, ok := params[key]; ok {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		case int64:
			return float64(val)
		}
	}
	return defaultVal
}

// BoolParam returns a boolean parameter or the default.
func BoolParam(params map[string]interface{}, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// SliceParam returns a list parameter, or nil when absent or not a list.
func SliceParam(params map[string]interface{}, key string) []interface{} {
	if v, ok := params[key]; ok {
		if s, ok := v.([]interface{}); ok {
			return s
		}
	}
	return nil
}

// MapParam returns an object parameter, empty when absent.
func MapParam(params map[string]interface{}, key string) map[string]interface{} {
	if v, ok := params[key]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return make(map[string]interface{})
}

// DurationParam reads a parameter expressed in seconds.
func DurationParam(params map[string]interface{}, key string, defaultVal time.Duration) time.Duration {
	if v, ok := params[key]; ok {
		switch val := v.(type) {
		case float64:
			return time.Duration(val * float64(time.Second))
		case int:
			return time.Duration(val) * time.Second
		}
	}
	return defaultVal
}

// CopyPayload shallow-copies a payload. Node outputs are treated as
// immutable once recorded, so executors copy before mutating an input.
func CopyPayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
