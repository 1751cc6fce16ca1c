// Package fixtures loads workflow configuration (agents, flows, stages, briefs and
// feedback) from YAML and seeds it into a store.
package fixtures

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

//go:embed default.yaml
var defaultFixtures []byte

// Set is one fixture document.
type Set struct {
	Agents   []*persistence.Agent         `yaml:"agents"`
	Flows    []*persistence.Flow          `yaml:"flows"`
	Stages   []*persistence.Stage         `yaml:"stages"`
	Briefs   []*persistence.Brief         `yaml:"briefs"`
	Feedback []*persistence.StageFeedback `yaml:"feedback"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Agents   int `json:"agents"`
	Flows    int `json:"flows"`
	Stages   int `json:"stages"`
	Briefs   int `json:"briefs"`
	Feedback int `json:"feedback"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d agents, %d flows, %d stages, %d briefs, %d feedback",
		s.Agents, s.Flows, s.Stages, s.Briefs, s.Feedback)
}

// Default returns the embedded demo fixtures.
func Default() (*Set, error) {
	return Load(bytes.NewReader(defaultFixtures))
}

// LoadFile reads and validates the fixture file at path.
func LoadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load decodes and validates a fixture document. Unknown keys are rejected.
func Load(r io.Reader) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var set Set
	if err := dec.Decode(&set); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks ids and cross references within the set.
func (s *Set) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	agents := map[string]bool{}
	for i, a := range s.Agents {
		switch {
		case a.ID == "":
			addf("agent %d has no id", i)
		case agents[a.ID]:
			addf("duplicate agent %s", a.ID)
		case a.Temperature < 0 || a.Temperature > 2:
			addf("agent %s temperature %.2f is outside [0, 2]", a.ID, a.Temperature)
		}
		agents[a.ID] = true
	}

	flows := map[string]bool{}
	for i, f := range s.Flows {
		if f.ID == "" {
			addf("flow %d has no id", i)
			continue
		}
		if flows[f.ID] {
			addf("duplicate flow %s", f.ID)
		}
		flows[f.ID] = true

		steps := map[string]bool{}
		for j, step := range f.Steps {
			switch {
			case step.ID == "":
				addf("flow %s step %d has no id", f.ID, j)
			case steps[step.ID]:
				addf("flow %s has duplicate step %s", f.ID, step.ID)
			case !agents[step.AgentID]:
				addf("flow %s step %s references unknown agent %q", f.ID, step.ID, step.AgentID)
			}
			steps[step.ID] = true
		}
		for _, step := range f.Steps {
			for _, dep := range step.DependsOn {
				if !steps[dep] {
					addf("flow %s step %s depends on unknown step %q", f.ID, step.ID, dep)
				}
			}
		}
	}

	stages := map[string]bool{}
	for i, st := range s.Stages {
		switch {
		case st.ID == "":
			addf("stage %d has no id", i)
		case stages[st.ID]:
			addf("duplicate stage %s", st.ID)
		case st.FlowID != "" && !flows[st.FlowID]:
			addf("stage %s references unknown flow %q", st.ID, st.FlowID)
		}
		stages[st.ID] = true
	}

	briefs := map[string]bool{}
	for i, b := range s.Briefs {
		switch {
		case b.ID == "":
			addf("brief %d has no id", i)
		case briefs[b.ID]:
			addf("duplicate brief %s", b.ID)
		case strings.TrimSpace(b.Title) == "":
			addf("brief %s has no title", b.ID)
		}
		briefs[b.ID] = true
	}

	for i, fb := range s.Feedback {
		switch {
		case fb.ID == "":
			addf("feedback %d has no id", i)
		case !briefs[fb.BriefID]:
			addf("feedback %s references unknown brief %q", fb.ID, fb.BriefID)
		case !stages[fb.StageID]:
			addf("feedback %s references unknown stage %q", fb.ID, fb.StageID)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid fixtures: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Apply upserts the set into store, parents first. Existing briefs keep their progress
// and existing feedback is left untouched.
func Apply(ctx context.Context, store persistence.Store, s *Set) (Summary, error) {
	logger := logx.NewLogger("fixtures")
	var sum Summary

	for _, a := range s.Agents {
		if err := store.UpsertAgent(ctx, a); err != nil {
			return sum, fmt.Errorf("failed to seed agent %s: %w", a.ID, err)
		}
		sum.Agents++
	}
	for _, f := range s.Flows {
		if err := store.UpsertFlow(ctx, f); err != nil {
			return sum, fmt.Errorf("failed to seed flow %s: %w", f.ID, err)
		}
		sum.Flows++
	}
	for _, st := range s.Stages {
		if err := store.UpsertStage(ctx, st); err != nil {
			return sum, fmt.Errorf("failed to seed stage %s: %w", st.ID, err)
		}
		sum.Stages++
	}
	for _, b := range s.Briefs {
		existing, err := store.GetBrief(ctx, b.ID)
		switch {
		case err == nil:
			b.CurrentStage, b.Status, b.CreatedAt = existing.CurrentStage, existing.Status, existing.CreatedAt
		case !errors.Is(err, persistence.ErrNotFound):
			return sum, fmt.Errorf("failed to load brief %s: %w", b.ID, err)
		}
		if err := store.UpsertBrief(ctx, b); err != nil {
			return sum, fmt.Errorf("failed to seed brief %s: %w", b.ID, err)
		}
		sum.Briefs++
	}
	for _, fb := range s.Feedback {
		_, err := store.GetFeedback(ctx, fb.ID)
		if err == nil {
			logger.Debug("feedback %s already present", fb.ID)
			continue
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return sum, fmt.Errorf("failed to load feedback %s: %w", fb.ID, err)
		}
		if err := store.InsertFeedback(ctx, fb); err != nil {
			return sum, fmt.Errorf("failed to seed feedback %s: %w", fb.ID, err)
		}
		sum.Feedback++
	}

	logger.Info("seeded %s", sum)
	return sum, nil
}
