package action

import "strings"

// firstValue returns the first value among keys that is present, non-nil and
// not an empty string. Nil means no usable value was found.
func firstValue(m Action, keys ...string) any {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}
	return nil
}

// firstString is firstValue restricted to string values.
func firstString(m Action, keys ...string) string {
	if v := firstValue(m, keys...); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// setDefault sets m[key] when the key is absent: to v when usable, otherwise
// to def when def is non-empty.
func setDefault(m Action, key string, v any, def string) {
	if _, ok := m[key]; ok {
		return
	}
	if v != nil {
		m[key] = v
		return
	}
	if def != "" {
		m[key] = def
	}
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// stringField returns the string value of key, or "" when absent or not a
// string.
func stringField(m Action, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
