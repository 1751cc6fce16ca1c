package templates

import (
	"strings"
	"testing"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/persistence"
)

func newComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := NewComposer()
	if err != nil {
		t.Fatalf("Failed to create composer: %v", err)
	}
	return c
}

func TestNewRenderer(t *testing.T) {
	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}
	if len(renderer.GetAvailableTemplates()) != 1 {
		t.Errorf("expected one embedded template, got %v", renderer.GetAvailableTemplates())
	}
	if _, err := renderer.Render("missing.tpl.md", &TemplateData{}); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestComposeDefaultTemplate(t *testing.T) {
	c := newComposer(t)
	prompt, err := c.Compose(&PromptInput{
		Agent:        &persistence.Agent{ID: "strategist", Name: "Strategist", Skills: []persistence.Skill{{Name: "Positioning"}}},
		Step:         &persistence.FlowStep{ID: "s1", Requirements: "Define the positioning"},
		Context:      "## Project Brief\n- Title: Spring launch",
		IsFirstStage: true,
	})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	for _, want := range []string{
		"You are Strategist.",
		"Define the positioning",
		"Your areas of expertise: Positioning.",
		"## Project Brief\n- Title: Spring launch",
		"Part 1: Analysis",
		"first person",
		"Part 2: Deliverables",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	for _, label := range DefaultChecklist {
		if !strings.Contains(prompt, "- [ ] "+label+"\n") {
			t.Errorf("prompt missing checklist item %q", label)
		}
	}
	if strings.Contains(prompt, "{{") {
		t.Error("prompt contains unrendered placeholders")
	}
	if strings.Contains(prompt, "because of the feedback") {
		t.Error("first run should not ask what changed")
	}
	if strings.Contains(prompt, "previous stage outputs") {
		t.Error("first stage should not mention previous stage outputs")
	}
}

func TestComposeReprocessingAndStepOutputs(t *testing.T) {
	c := newComposer(t)
	prompt, err := c.Compose(&PromptInput{
		Agent:        &persistence.Agent{ID: "planner", Name: "Planner"},
		Step:         &persistence.FlowStep{ID: "s2", Outputs: []string{" Budget Split ", "", "Channel Plan"}},
		Context:      "ctx",
		Reprocessing: true,
	})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !strings.Contains(prompt, "what you changed because of the feedback") {
		t.Error("reprocessing prompt should ask what changed")
	}
	if !strings.Contains(prompt, "- [ ] Budget Split\n- [ ] Channel Plan\n") {
		t.Errorf("unexpected checklist in:\n%s", prompt)
	}
	if strings.Contains(prompt, "Strategic Analysis") {
		t.Error("default checklist should not be used when outputs are given")
	}
}

func TestComposeCustomTemplate(t *testing.T) {
	c := newComposer(t)
	brief := &persistence.Brief{Title: "Spring launch"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"placeholders", "Brief: {{.Brief.Title}}\n{{.Context}}", "Brief: Spring launch\nCTX"},
		{"verbatim", "Be concise.", "Be concise.\n\nCTX"},
		{"funcs", "{{upper .Brief.Title}}", "SPRING LAUNCH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Compose(&PromptInput{
				Agent:   &persistence.Agent{ID: "a", PromptTemplate: tt.template},
				Brief:   brief,
				Context: "CTX",
			})
			if err != nil {
				t.Fatalf("Compose failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeInvalidCustomTemplate(t *testing.T) {
	c := newComposer(t)
	for _, tpl := range []string{"{{.Brief.Title", "{{.NoSuchField}}"} {
		_, err := c.Compose(&PromptInput{Agent: &persistence.Agent{ID: "bad", PromptTemplate: tpl}})
		if !engineerr.Is(err, engineerr.CategoryValidation) {
			t.Errorf("template %q: expected validation error, got %v", tpl, err)
		}
	}
}

func TestChecklist(t *testing.T) {
	if got := Checklist(nil); len(got) != len(DefaultChecklist) {
		t.Errorf("nil step: got %v", got)
	}
	got := Checklist(&persistence.FlowStep{Outputs: []string{"  ", "A"}})
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("got %v", got)
	}
	// callers may not mutate the defaults
	got = Checklist(&persistence.FlowStep{})
	got[0] = "changed"
	if DefaultChecklist[0] != "Strategic Analysis" {
		t.Error("DefaultChecklist was mutated")
	}
}
