package templates

import (
	"bytes"
	"strings"
	"text/template"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/persistence"
)

// DefaultChecklist is used when a flow step names no required outputs.
//
//nolint:gochecknoglobals // read-only defaults
var DefaultChecklist = []string{
	"Strategic Analysis",
	"Key Recommendations",
	"Implementation Steps",
	"Success Metrics",
}

// PromptInput is what the composer needs for one step.
type PromptInput struct {
	Agent        *persistence.Agent
	Step         *persistence.FlowStep
	Brief        *persistence.Brief
	Context      string // rendered context bundle
	Reprocessing bool
	IsFirstStage bool
}

// Composer turns an agent definition and assembled context into prompt text.
type Composer struct {
	renderer *Renderer
}

// NewComposer creates a composer backed by the embedded templates.
func NewComposer() (*Composer, error) {
	r, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Composer{renderer: r}, nil
}

// Checklist returns the trimmed, non-empty output labels of step, or DefaultChecklist.
func Checklist(step *persistence.FlowStep) []string {
	var labels []string
	if step != nil {
		for _, label := range step.Outputs {
			if label = strings.TrimSpace(label); label != "" {
				labels = append(labels, label)
			}
		}
	}
	if len(labels) == 0 {
		return append([]string(nil), DefaultChecklist...)
	}
	return labels
}

// Compose renders the prompt for in. An agent's own template wins over the default; a
// custom template without placeholders is used verbatim with the context appended.
// Templates that fail to parse or execute are validation errors.
func (c *Composer) Compose(in *PromptInput) (string, error) {
	data := newTemplateData(in)

	custom := ""
	if in.Agent != nil {
		custom = strings.TrimSpace(in.Agent.PromptTemplate)
	}
	if custom == "" {
		prompt, err := c.renderer.Render(StepPromptTemplate, data)
		if err != nil {
			return "", engineerr.Wrap(engineerr.CategorySystem, "compose prompt", err, "default template failed")
		}
		return prompt, nil
	}

	if !strings.Contains(custom, "{{") {
		if data.Context == "" {
			return custom, nil
		}
		return custom + "\n\n" + data.Context, nil
	}

	tmpl, err := template.New("agent:" + data.Agent.ID).Funcs(funcs).Parse(custom)
	if err != nil {
		return "", engineerr.Wrap(engineerr.CategoryValidation, "compose prompt", err,
			"agent "+data.Agent.ID+" has an invalid prompt template")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", engineerr.Wrap(engineerr.CategoryValidation, "compose prompt", err,
			"agent "+data.Agent.ID+" prompt template failed to render")
	}
	return buf.String(), nil
}

func newTemplateData(in *PromptInput) *TemplateData {
	data := &TemplateData{
		Context:      strings.TrimSpace(in.Context),
		Checklist:    Checklist(in.Step),
		Reprocessing: in.Reprocessing,
		IsFirstStage: in.IsFirstStage,
	}
	if in.Agent != nil {
		data.Agent = *in.Agent
		for i := range in.Agent.Skills {
			if name := strings.TrimSpace(in.Agent.Skills[i].Name); name != "" {
				data.Skills = append(data.Skills, name)
			}
		}
	}
	if in.Step != nil {
		data.Step = *in.Step
	}
	if in.Brief != nil {
		data.Brief = *in.Brief
	}
	return data
}
