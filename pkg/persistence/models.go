package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"stageengine/pkg/engineerr"
)

// ErrNotFound is returned (wrapped) when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// BriefStatus is the lifecycle status of a brief.
type BriefStatus string

// Brief status constants.
const (
	BriefNotStarted BriefStatus = "not_started"
	BriefInProgress BriefStatus = "in_progress"
	BriefCompleted  BriefStatus = "completed"
)

// OutputType tags the kind of text a step produced.
type OutputType string

// Output types accepted at the persistence boundary.
const (
	OutputConversational OutputType = "conversational"
	OutputStructured     OutputType = "structured"
	OutputSummary        OutputType = "summary"
)

// Valid reports whether t is a known output type.
func (t OutputType) Valid() bool {
	switch t {
	case OutputConversational, OutputStructured, OutputSummary:
		return true
	default:
		return false
	}
}

// ContentFormatJSON is the only content format written for brief outputs.
const ContentFormatJSON = "json"

// Brief is the client project description every stage works from.
type Brief struct {
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time   `json:"updated_at" yaml:"-"`
	ID             string      `json:"id" yaml:"id"`
	Title          string      `json:"title" yaml:"title"`
	Description    string      `json:"description,omitempty" yaml:"description"`
	Objectives     string      `json:"objectives,omitempty" yaml:"objectives"`
	TargetAudience string      `json:"target_audience,omitempty" yaml:"target_audience"`
	Budget         string      `json:"budget,omitempty" yaml:"budget"`
	Timeline       string      `json:"timeline,omitempty" yaml:"timeline"`
	Brand          string      `json:"brand,omitempty" yaml:"brand"`
	Website        string      `json:"website,omitempty" yaml:"website"`
	CurrentStage   string      `json:"current_stage,omitempty" yaml:"-"`
	Status         BriefStatus `json:"status" yaml:"-"`
	OwnerID        string      `json:"owner_id,omitempty" yaml:"owner_id"`
}

// BriefField is one named brief attribute.
type BriefField struct {
	Name  string
	Label string
	Value string
}

// Fields returns the brief's content fields in display order.
func (b *Brief) Fields() []BriefField {
	return []BriefField{
		{Name: "title", Label: "Title", Value: b.Title},
		{Name: "brand", Label: "Brand", Value: b.Brand},
		{Name: "description", Label: "Description", Value: b.Description},
		{Name: "objectives", Label: "Objectives", Value: b.Objectives},
		{Name: "target_audience", Label: "Target Audience", Value: b.TargetAudience},
		{Name: "budget", Label: "Budget", Value: b.Budget},
		{Name: "timeline", Label: "Timeline", Value: b.Timeline},
		{Name: "website", Label: "Website", Value: b.Website},
	}
}

// Stage is one phase of the workflow a brief moves through.
type Stage struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	FlowID     string `json:"flow_id,omitempty" yaml:"flow_id"`
	OrderIndex int    `json:"order_index" yaml:"order_index"`
}

// Flow is a named, ordered list of steps.
type Flow struct {
	ID    string      `json:"id" yaml:"id"`
	Name  string      `json:"name" yaml:"name"`
	Steps []*FlowStep `json:"steps" yaml:"steps"`
}

// FlowStep assigns an agent to produce a set of outputs within a stage.
type FlowStep struct {
	ID           string   `json:"id" yaml:"id"`
	FlowID       string   `json:"flow_id,omitempty" yaml:"-"`
	AgentID      string   `json:"agent_id" yaml:"agent_id"`
	Requirements string   `json:"requirements,omitempty" yaml:"requirements"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Outputs      []string `json:"outputs,omitempty" yaml:"outputs"`
	DependsOn    []string `json:"depends_on,omitempty" yaml:"depends_on"`
	OrderIndex   int      `json:"order_index" yaml:"order_index"`
}

// Skill is a named capability attached to an agent.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type"`
	Content     string `json:"content,omitempty" yaml:"content"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Agent is a persona definition used to prompt the model.
type Agent struct {
	ID             string  `json:"id" yaml:"id"`
	Name           string  `json:"name" yaml:"name"`
	Description    string  `json:"description,omitempty" yaml:"description"`
	PromptTemplate string  `json:"prompt_template,omitempty" yaml:"prompt_template"`
	Skills         []Skill `json:"skills,omitempty" yaml:"skills"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
}

// WorkflowConversation is the persisted model output of one executed step.
type WorkflowConversation struct {
	CreatedAt              time.Time  `json:"created_at"`
	ReprocessedAt          *time.Time `json:"reprocessed_at,omitempty"`
	ID                     string     `json:"id"`
	BriefID                string     `json:"brief_id"`
	StageID                string     `json:"stage_id"`
	AgentID                string     `json:"agent_id"`
	FlowStepID             string     `json:"flow_step_id"`
	Content                string     `json:"content"`
	OutputType             OutputType `json:"output_type"`
	FeedbackID             string     `json:"feedback_id,omitempty"`
	OriginalConversationID string     `json:"original_conversation_id,omitempty"`
	Version                int        `json:"version"`
	Reprocessing           bool       `json:"reprocessing"`
}

// Validate checks the fields the store relies on.
func (c *WorkflowConversation) Validate() error {
	switch {
	case c.BriefID == "" || c.StageID == "":
		return engineerr.Validation("store conversation", "brief and stage ids are required")
	case c.FlowStepID == "":
		return engineerr.Validation("store conversation", "flow step id is required")
	case !c.OutputType.Valid():
		return engineerr.Validation("store conversation", "unknown output type %q", c.OutputType)
	}
	return nil
}

// BriefOutput is the aggregated result of one full stage run.
type BriefOutput struct {
	CreatedAt        time.Time          `json:"created_at"`
	ReprocessedAt    *time.Time         `json:"reprocessed_at,omitempty"`
	ID               string             `json:"id"`
	BriefID          string             `json:"brief_id"`
	StageID          string             `json:"stage_id"`
	Stage            string             `json:"stage"`
	FeedbackID       string             `json:"feedback_id,omitempty"`
	OriginalOutputID string             `json:"original_output_id,omitempty"`
	ContentFormat    string             `json:"content_format"`
	Content          StageOutputContent `json:"content"`
	Version          int                `json:"version"`
	IsReprocessed    bool               `json:"is_reprocessed"`
}

// StageFeedback is human input on a stage result.
type StageFeedback struct {
	CreatedAt        time.Time `json:"created_at" yaml:"-"`
	ID               string    `json:"id" yaml:"id"`
	BriefID          string    `json:"brief_id" yaml:"brief_id"`
	StageID          string    `json:"stage_id" yaml:"stage_id"`
	Content          string    `json:"content" yaml:"content"`
	Rating           int       `json:"rating" yaml:"rating"`
	RequiresRevision bool      `json:"requires_revision" yaml:"requires_revision"`
	IsPermanent      bool      `json:"is_permanent" yaml:"is_permanent"`
	ProcessedForRAG  bool      `json:"processed_for_rag" yaml:"processed_for_rag"`
}

// OutputRecord is one piece of text a step produced.
type OutputRecord struct {
	Content string     `json:"content"`
	Type    OutputType `json:"type"`
}

// StepOutput is everything a single step contributed to a stage run.
type StepOutput struct {
	Agent        string         `json:"agent"`
	StepID       string         `json:"stepId"`
	Requirements string         `json:"requirements"`
	Outputs      []OutputRecord `json:"outputs"`
	OrderIndex   int            `json:"orderIndex"`
}

// Text joins the content of all outputs.
func (s *StepOutput) Text() string {
	var b bytes.Buffer
	for i := range s.Outputs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Outputs[i].Content)
	}
	return b.String()
}

// RunMetadata describes how a stage output was produced.
type RunMetadata struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Strategy   string    `json:"strategy"`
	Model      string    `json:"model,omitempty"`
	FeedbackID string    `json:"feedbackId,omitempty"`
	StepCount  int       `json:"stepCount"`
	DurationMS int64     `json:"durationMs"`
}

// StageOutputContent is the JSON document stored in BriefOutput.content.
type StageOutputContent struct {
	Outputs  []StepOutput `json:"outputs"`
	Metadata RunMetadata  `json:"metadata"`
}

// Validate rejects documents with missing step ids or unknown output types.
func (c *StageOutputContent) Validate() error {
	for i := range c.Outputs {
		step := &c.Outputs[i]
		if step.StepID == "" {
			return engineerr.Validation("stage output", "output %d has no step id", i)
		}
		for j := range step.Outputs {
			if !step.Outputs[j].Type.Valid() {
				return engineerr.Validation("stage output", "step %s output %d has unknown type %q",
					step.StepID, j, step.Outputs[j].Type)
			}
		}
	}
	return nil
}

// MarshalStageOutput validates and encodes c.
func MarshalStageOutput(c *StageOutputContent) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CategoryValidation, "stage output", err, "encode failed")
	}
	return data, nil
}

// ParseStageOutput decodes and validates a stored content document.
func ParseStageOutput(data []byte) (StageOutputContent, error) {
	var c StageOutputContent
	if err := json.Unmarshal(data, &c); err != nil {
		return StageOutputContent{}, engineerr.Wrap(engineerr.CategoryValidation, "stage output", err, "malformed content")
	}
	if err := c.Validate(); err != nil {
		return StageOutputContent{}, err
	}
	return c, nil
}

// NewID returns a fresh row id.
func NewID() string {
	return uuid.New().String()
}
