package actions

import (
	"fmt"
	"strings"
)

// Param helpers used by all executor files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// stringListParam accepts a comma separated string, a []string or a []any of strings.
func stringListParam(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	var out []string
	switch val := v.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	case []string:
		out = append(out, val...)
	case []any:
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings, got %T", key, v)
	}
	return out, nil
}

// stringMapParam converts a JSON object of scalar values to map[string]string.
func stringMapParam(m map[string]any, key string) map[string]string {
	switch hm := m[key].(type) {
	case map[string]string:
		return hm
	case map[string]any:
		out := make(map[string]string, len(hm))
		for k, v := range hm {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	default:
		return nil
	}
}
