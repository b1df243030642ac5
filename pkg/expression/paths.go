package expression

import (
	"strconv"
	"strings"
)

// Lookup navigates a dotted path into JSON-shaped data. Segments address map
// keys; a trailing [n] on a segment indexes into a slice. Any miss (absent
// key, wrong type, index out of range) yields nil rather than an error.
func Lookup(data interface{}, path string) interface{} {
	if path == "" {
		return data
	}

	current := data
	for _, part := range strings.Split(path, ".") {
		if idx := strings.Index(part, "["); idx != -1 {
			field := part[:idx]
			indexStr := strings.TrimSuffix(part[idx+1:], "]")
			index, err := strconv.Atoi(indexStr)
			if err != nil {
				return nil
			}
			if field != "" {
				current = getField(current, field)
			}
			arr, ok := current.([]interface{})
			if !ok || index < 0 || index >= len(arr) {
				return nil
			}
			current = arr[index]
			continue
		}

		current = getField(current, part)
		if current == nil {
			return nil
		}
	}

	return current
}

func getField(data interface{}, field string) interface{} {
	switch d := data.(type) {
	case map[string]interface{}:
		return d[field]
	case map[string]string:
		if val, ok := d[field]; ok {
			return val
		}
		return nil
	default:
		return nil
	}
}
