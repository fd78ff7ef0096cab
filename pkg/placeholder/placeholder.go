// Package placeholder renders {{variable}} templates. Unknown variables are
// left in place so a partially configured template still produces output.
package placeholder

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var pattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars.
func Render(text string, vars map[string]string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return pattern.ReplaceAllStringFunc(text, func(match string) string {
		name := pattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Missing lists the placeholder names in text that vars cannot satisfy.
func Missing(text string, vars map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if _, ok := vars[name]; ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Flatten turns a nested map into dotted keys ("repository.name") with
// string values, the shape Render expects.
func Flatten(in map[string]interface{}) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", in)
	return out
}

func flattenInto(out map[string]string, prefix string, in map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flattenInto(out, key, val)
		case map[string]string:
			for sk, sv := range val {
				out[key+"."+sk] = sv
			}
		case nil:
			out[key] = ""
		case string:
			out[key] = val
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}
