package polltask

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes {{name}} placeholders through nested maps and slices.
// Values are substituted as text. With typed set, a string that is exactly
// one placeholder takes the variable's own value instead, so numbers and
// booleans keep their JSON type. Unknown names are left as is.
func Render(tmpl any, vars map[string]any, typed bool) any {
	switch t := tmpl.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = Render(v, vars, typed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = Render(v, vars, typed)
		}
		return out
	case string:
		if !typed {
			return RenderString(t, vars)
		}
		if m := placeholderRe.FindStringSubmatch(t); m != nil && m[0] == t {
			if val, ok := vars[m[1]]; ok {
				return val
			}
			return t
		}
		return RenderString(t, vars)
	default:
		return tmpl
	}
}

// RenderString replaces every known placeholder in s with its text form.
func RenderString(s string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := vars[name]
		if !ok {
			return match
		}
		return fmt.Sprint(val)
	})
}
