package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// placeholderRe matches {{identifier}} with optional inner whitespace.
// Identifiers may contain dots to reach into nested maps.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Interpolate replaces every {{identifier}} in template with the stringified
// value found in data. Unknown identifiers are left verbatim. The replacement is
// a single pass: substituted values are never re-scanned.
func Interpolate(template string, data map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(token string) string {
		m := placeholderRe.FindStringSubmatch(token)
		if len(m) < 2 {
			return token
		}
		val, ok := Lookup(data, m[1])
		if !ok {
			return token
		}
		return Stringify(val)
	})
}

// SecretPrefix marks placeholders resolved from the secret vault instead of
// the execution data.
const SecretPrefix = "secrets."

// SecretRefs returns the distinct secret keys referenced as {{secrets.KEY}}
// anywhere in config, in first-seen order.
func SecretRefs(config map[string]any) []string {
	var refs []string
	seen := map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range placeholderRe.FindAllStringSubmatch(val, -1) {
				key, ok := strings.CutPrefix(m[1], SecretPrefix)
				if ok && key != "" && !seen[key] {
					seen[key] = true
					refs = append(refs, key)
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case map[string]string:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(config)
	return refs
}

// HasPlaceholder reports whether s contains at least one {{identifier}}.
func HasPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}

// InterpolateMap returns a copy of config with every string leaf interpolated.
// Nested maps and slices are walked; non-string values are copied unchanged.
func InterpolateMap(config map[string]any, data map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = interpolateValue(v, data)
	}
	return out
}

func interpolateValue(v any, data map[string]any) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, data)
	case map[string]any:
		return InterpolateMap(val, data)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = Interpolate(s, data)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, data)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = Interpolate(s, data)
		}
		return out
	default:
		return v
	}
}

// Lookup resolves key in data. An exact key match wins; otherwise a dotted key
// is walked through nested maps.
func Lookup(data map[string]any, key string) (any, bool) {
	if data == nil {
		return nil, false
	}
	if v, ok := data[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}

	var current any = data
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return nil, false
		}
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a context value the way it appears inside an interpolated string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
