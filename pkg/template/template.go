// Package template renders capability parameters against accumulated step
// results and extracted slots.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// RenderParams renders every string parameter as a template over the
// accumulated step results and slot values. Non-string values pass through
// untouched.
func RenderParams(params map[string]any, stepResults map[string]map[string]any, slots map[string]any) (map[string]any, error) {
	data := map[string]any{
		"steps": stepResults,
		"slots": slots,
	}

	rendered := make(map[string]any, len(params))

	for key, value := range params {
		str, ok := value.(string)
		if !ok {
			rendered[key] = value

			continue
		}

		out, err := Render(str, data)
		if err != nil {
			return nil, err
		}

		rendered[key] = out
	}

	return rendered, nil
}

// Render executes a single template string. Results that look like JSON,
// numbers or booleans are coerced to their typed values so step bindings
// keep their shape across the wire.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("binding").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"join": func(sep string, items []any) string {
				parts := make([]string, 0, len(items))
				for _, item := range items {
					parts = append(parts, fmt.Sprint(item))
				}

				return strings.Join(parts, sep)
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		if err := json.Unmarshal([]byte(result), &jsonResult); err == nil {
			return jsonResult, nil
		}
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
