// Package template implements {{path}} resolution over workflow context maps
// and safe evaluation of guarded boolean expressions. This is the only path
// from user-supplied workflow strings to evaluation; nothing here reaches the
// host process.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// GetNestedValue navigates a dot path through nested maps and slices.
// Integer path components index into slices. A missing path returns nil.
func GetNestedValue(data any, path string) any {
	current := data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

// ResolveTemplate substitutes {{path}} placeholders in s from ctx. When s is
// exactly one placeholder (after trimming), the raw value is returned with
// its type preserved; otherwise placeholders are stringified in place, with
// nil rendering as the empty string.
func ResolveTemplate(s string, ctx map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if m := placeholderRe.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		return GetNestedValue(map[string]any(ctx), strings.TrimSpace(m[1]))
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		return Stringify(GetNestedValue(map[string]any(ctx), path))
	})
}

// ResolveAllTemplates walks obj recursively, resolving templates in every
// string. Maps and slices are rebuilt; other scalars pass through.
func ResolveAllTemplates(obj any, ctx map[string]any) any {
	switch v := obj.(type) {
	case string:
		return ResolveTemplate(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveAllTemplates(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveAllTemplates(val, ctx)
		}
		return out
	default:
		return obj
	}
}

// Stringify renders a resolved value for substitution into a string template.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// EvaluateCondition resolves templates in cond against ctx and evaluates the
// result as a guarded boolean expression.
func EvaluateCondition(cond string, ctx map[string]any) (bool, error) {
	resolved := ResolveTemplate(cond, ctx)
	switch v := resolved.(type) {
	case bool:
		// The whole condition was a single placeholder holding a boolean.
		return v, nil
	case string:
		return EvaluateExpression(v)
	default:
		return EvaluateExpression(Stringify(resolved))
	}
}
