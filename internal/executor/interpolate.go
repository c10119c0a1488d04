package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenPattern matches {{ path.to.value }} placeholders inside string params.
var tokenPattern = regexp.MustCompile(`\{\{\s*([\w-]+(?:\.[\w-]+)*)\s*\}\}`)

// interpolate resolves placeholder tokens in params against the run context.
// The context has two roots: "inputs" (run inputs) and "steps" (outputs of
// completed steps). Dotted paths traverse nested maps. A token whose path
// cannot be resolved is an error; silently passing a literal "{{...}}" to a
// connector hides misconfigured workflows.
func interpolate(params map[string]any, context map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		resolved, err := interpolateValue(value, context)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func interpolateValue(value any, context map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return interpolateString(v, context)
	case map[string]any:
		return interpolate(v, context)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := interpolateValue(item, context)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func interpolateString(s string, context map[string]any) (any, error) {
	// A string that is exactly one token resolves to the raw value so that
	// lists and maps can flow between steps without stringification.
	if m := tokenPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		return lookupPath(m[1], context)
	}

	var firstErr error
	replaced := tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		resolved, err := lookupPath(path, context)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return token
		}
		if resolved == nil {
			return ""
		}
		return fmt.Sprintf("%v", resolved)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return replaced, nil
}

func lookupPath(path string, context map[string]any) (any, error) {
	parts := strings.Split(path, ".")
	var current any = context
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolvable reference {{%s}}", path)
		}
		current, ok = node[part]
		if !ok {
			return nil, fmt.Errorf("unresolvable reference {{%s}}", path)
		}
	}
	return current, nil
}
