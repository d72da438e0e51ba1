package domain

import (
	"regexp"
	"sort"
	"strings"
)

// variablePattern matches content placeholders like {{variable_name}}
var variablePattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// SubstituteVariables returns a copy of content with every {{name}}
// placeholder in its string values replaced from vars. Nested maps and
// slices are walked; non-string leaves pass through untouched. Intake calls
// this once so payloads are fully materialized at write time.
func SubstituteVariables(content map[string]any, vars map[string]string) map[string]any {
	if len(content) == 0 {
		return content
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = substituteValue(v, vars)
	}
	return out
}

func substituteValue(v any, vars map[string]string) any {
	switch val := v.(type) {
	case string:
		return renderString(val, vars)
	case map[string]any:
		return SubstituteVariables(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	result := s
	for key, value := range vars {
		placeholder := "{{" + key + "}}"
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result
}

// MissingVariables lists placeholder names used in content that have no
// value in vars, sorted and de-duplicated. A non-empty result fails intake
// validation: unresolved placeholders must never reach a provider.
func MissingVariables(content map[string]any, vars map[string]string) []string {
	seen := make(map[string]bool)
	collectMissing(content, vars, seen)

	missing := make([]string, 0, len(seen))
	for name := range seen {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

func collectMissing(v any, vars map[string]string, seen map[string]bool) {
	switch val := v.(type) {
	case string:
		for _, match := range variablePattern.FindAllStringSubmatch(val, -1) {
			if len(match) > 1 {
				if _, ok := vars[match[1]]; !ok {
					seen[match[1]] = true
				}
			}
		}
	case map[string]any:
		for _, item := range val {
			collectMissing(item, vars, seen)
		}
	case []any:
		for _, item := range val {
			collectMissing(item, vars, seen)
		}
	}
}
