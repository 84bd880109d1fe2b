package workflow

import (
	"fmt"
	"regexp"
	"strconv"
)

var paramRef = regexp.MustCompile(`\{\{\s*parameters\.([A-Za-z0-9_]+)\s*\}\}`)

// ExpandTemplate substitutes {{ parameters.<name> }} references in a
// step prompt. Unknown references are an error; the step fails rather
// than silently prompting with a hole.
func ExpandTemplate(s string, params map[string]any) (string, error) {
	var missing string
	out := paramRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := paramRef.FindStringSubmatch(ref)[1]
		v, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return ""
		}
		return renderValue(v)
	})
	if missing != "" {
		return "", fmt.Errorf("unknown parameter reference %q", missing)
	}
	return out, nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
