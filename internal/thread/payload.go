package thread

import (
	"encoding/json"
	"strings"
)

func extractFirstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}

func extractNestedFirstString(payload map[string]any, paths ...[]string) string {
	for _, path := range paths {
		value, ok := extractNestedValue(payload, path...)
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			trimmed := strings.TrimSpace(text)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func extractNestedValue(payload map[string]any, path ...string) (any, bool) {
	if payload == nil || len(path) == 0 {
		return nil, false
	}
	current := any(payload)
	for _, key := range path {
		nextMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := nextMap[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// extractNumber accepts the numeric shapes produced by encoding/json and by Go callers.
func extractNumber(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func extractIntValue(value any) (int64, bool) {
	if number, ok := extractNumber(value); ok {
		return number, true
	}
	text, ok := value.(string)
	if !ok {
		return 0, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if number, err := json.Number(text).Int64(); err == nil {
		return number, true
	}
	return 0, false
}

func extractFirstIntByPaths(payload map[string]any, paths ...[]string) (int64, bool) {
	for _, path := range paths {
		value, ok := extractNestedValue(payload, path...)
		if !ok {
			continue
		}
		if number, ok := extractIntValue(value); ok {
			return number, true
		}
	}
	return 0, false
}

func extractBool(payload map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case bool:
			return v
		case string:
			return strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	return false
}

func extractStringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return nil
}

// extractText reads a string, a list of strings, or a list of {text} parts.
func extractText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, entry := range v {
			switch p := entry.(type) {
			case string:
				parts = append(parts, p)
			case map[string]any:
				if text := extractFirstString(p, "text"); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		return extractFirstString(v, "text", "message")
	default:
		return ""
	}
}

// extractErrorInfo reads codexErrorInfo, which arrives either as a bare tag
// ("usageLimitExceeded") or as a single-key object ({"httpConnectionFailed": {...}}).
func extractErrorInfo(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if t := extractFirstString(v, "type", "kind"); t != "" {
			return strings.TrimSpace(t)
		}
		if len(v) == 1 {
			for key := range v {
				return key
			}
		}
	}
	return ""
}

func copyMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = v
	}
	return out
}
