// Package templates composes the prompt sent to the completion service for one flow step.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"stageengine/pkg/persistence"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering. Custom agent templates see the
// same fields, e.g. {{.Context}} or {{.Brief.Title}}.
type TemplateData struct {
	Brief        persistence.Brief    `json:"brief"`
	Agent        persistence.Agent    `json:"agent"`
	Step         persistence.FlowStep `json:"step"`
	Context      string               `json:"context"`
	Checklist    []string             `json:"checklist"`
	Skills       []string             `json:"skills,omitempty"`
	Reprocessing bool                 `json:"reprocessing"`
	IsFirstStage bool                 `json:"is_first_stage"`
}

// StateTemplate names an embedded template.
type StateTemplate string

const (
	// StepPromptTemplate is the default two-part prompt for agents without a custom template.
	StepPromptTemplate StateTemplate = "step_prompt.tpl.md"
)

//nolint:gochecknoglobals // shared by embedded and custom templates
var funcs = template.FuncMap{
	"contains": strings.Contains,
	"join":     strings.Join,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
}

// Renderer handles rendering of the embedded templates.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StateTemplate]*template.Template),
	}

	for _, name := range []StateTemplate{StepPromptTemplate} {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return buf.String(), nil
}

// GetAvailableTemplates returns a list of all available templates.
func (r *Renderer) GetAvailableTemplates() []StateTemplate {
	templates := make([]StateTemplate, 0, len(r.templates))
	for name := range r.templates {
		templates = append(templates, name)
	}
	return templates
}
