package templatefmt

import (
	"encoding/json"
	"strings"
	"text/template"
)

// TitleData is the value passed to the window title template.
// Params: selected team ID, resolved team name, and ISO week label.
// Returns: template input.
type TitleData struct {
	TeamID string
	Team   string
	Week   string
}

// FuncMap returns shared template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"json":     MarshalJSON,
		"fallback": Fallback,
		"upper":    strings.ToUpper,
	}
}

// ParseTitleTemplate parses one title template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseTitleTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Render executes template into string.
// Params: compiled template and title data.
// Returns: trimmed title or execution error.
func Render(tmpl *template.Template, data TitleData) (string, error) {
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// Fallback returns value unless it is blank.
// Params: default text and candidate value.
// Returns: value or default.
func Fallback(def, value string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
