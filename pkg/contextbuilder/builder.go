// Package contextbuilder assembles the context an agent sees for one step: the relevant
// brief fields, earlier outputs, feedback and retrieved documents.
package contextbuilder

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"stageengine/pkg/config"
	"stageengine/pkg/knowledge"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

// Section headings used in the rendered context.
const (
	HeadingBrief           = "## Project Brief"
	HeadingFeedback        = "## Feedback To Address"
	HeadingNotes           = "## Stakeholder Notes"
	HeadingRunOutputs      = "## Contributions Earlier In This Stage"
	HeadingPreviousOutputs = "## Previous Stage Outputs"
	HeadingRetrieved       = "## Retrieved Knowledge"
)

// alwaysRelevant brief fields are included for every stage.
//
//nolint:gochecknoglobals // read-only lookup table
var alwaysRelevant = map[string]bool{"title": true, "brand": true}

// StageOutputs is the current aggregated output of an earlier stage.
type StageOutputs struct {
	StageName string
	Outputs   []persistence.StepOutput
}

// Input is everything needed to build one step's context.
type Input struct {
	Brief        *persistence.Brief
	Agent        *persistence.Agent
	Step         *persistence.FlowStep
	RunOutputs   []persistence.StepOutput
	PriorStages  []StageOutputs
	Feedback     *persistence.StageFeedback
	IsFirstStage bool
}

// Section is one titled block of earlier output.
type Section struct {
	Title string
	Text  string
	Score float64
}

// Bundle is the structured context for one step.
type Bundle struct {
	BriefFields     []persistence.BriefField
	RunOutputs      []Section
	PreviousOutputs []Section
	FeedbackBlock   string
	Notes           string
	RetrievedBlock  string
	IsFirstStage    bool
	Reprocessing    bool
}

// Builder builds context bundles.
type Builder struct {
	scorer        Scorer
	retriever     knowledge.Retriever
	logger        *logx.Logger
	minSimilarity float64
	limit         int
	maxSentences  int
}

// Option configures a Builder.
type Option func(*Builder)

// WithScorer replaces the default KeywordScorer.
func WithScorer(s Scorer) Option {
	return func(b *Builder) { b.scorer = s }
}

// WithRetriever enables retrieval augmentation.
func WithRetriever(r knowledge.Retriever, limit int) Option {
	return func(b *Builder) {
		b.retriever = r
		if limit > 0 {
			b.limit = limit
		}
	}
}

// WithMinSimilarity sets the retrieval threshold as given, 0 included.
func WithMinSimilarity(v float64) Option {
	return func(b *Builder) { b.minSimilarity = v }
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{
		scorer:        KeywordScorer{},
		logger:        logx.NewLogger("context"),
		minSimilarity: config.DefaultRetrievalMinSim,
		limit:         config.DefaultRetrievalLimit,
		maxSentences:  config.MaxSentencesPerOutput,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the bundle for in. Retrieval is added separately by Augment because
// its query is the composed prompt.
func (b *Builder) Build(ctx context.Context, in *Input) *Bundle {
	var requirements string
	if in.Step != nil {
		requirements = in.Step.Requirements
	}
	var skills []persistence.Skill
	if in.Agent != nil {
		skills = in.Agent.Skills
	}
	q := NewQuery(requirements, skills)

	bundle := &Bundle{IsFirstStage: in.IsFirstStage}
	bundle.BriefFields = b.briefFields(in.Brief, q, in.IsFirstStage)

	for i := range in.RunOutputs {
		out := &in.RunOutputs[i]
		bundle.RunOutputs = append(bundle.RunOutputs, Section{
			Title: fmt.Sprintf("%s (step %s)", out.Agent, out.StepID),
			Text:  out.Text(),
		})
	}

	if !in.IsFirstStage {
		bundle.PreviousOutputs = b.relevantOutputs(q, in.PriorStages)
	}

	if fb := in.Feedback; fb != nil && strings.TrimSpace(fb.Content) != "" {
		if fb.RequiresRevision {
			bundle.Reprocessing = true
			bundle.FeedbackBlock = feedbackBlock(fb.Content)
		} else {
			bundle.Notes = fb.Content
		}
	}

	logx.Debug(ctx, "context", "built context: %d brief fields, %d run outputs, %d previous outputs, reprocessing=%t",
		len(bundle.BriefFields), len(bundle.RunOutputs), len(bundle.PreviousOutputs), bundle.Reprocessing)
	return bundle
}

func (b *Builder) briefFields(brief *persistence.Brief, q Query, firstStage bool) []persistence.BriefField {
	if brief == nil {
		return nil
	}
	var fields []persistence.BriefField
	for _, f := range brief.Fields() {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		if firstStage || alwaysRelevant[f.Name] || q.Matches(f.Value) {
			fields = append(fields, f)
		}
	}
	return fields
}

// relevantOutputs returns sections for the prior stage outputs that score above zero,
// highest first. Ties keep input order.
func (b *Builder) relevantOutputs(q Query, prior []StageOutputs) []Section {
	var sections []Section
	for _, stage := range prior {
		for i := range stage.Outputs {
			out := &stage.Outputs[i]
			text := out.Text()
			score := b.scorer.Score(q, text)
			if score <= 0 {
				continue
			}
			sections = append(sections, Section{
				Title: fmt.Sprintf("%s - %s", out.Agent, stage.StageName),
				Text:  strings.Join(ExtractSentences(q, text, b.maxSentences), " "),
				Score: score,
			})
		}
	}
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Score > sections[j].Score
	})
	return sections
}

var sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

// ExtractSentences returns up to limit sentences of text that contain a query keyword,
// in their original order.
func ExtractSentences(q Query, text string, limit int) []string {
	var out []string
	for _, raw := range sentencePattern.FindAllString(text, -1) {
		sentence := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(raw), "#-*> "))
		if sentence == "" || !q.Matches(sentence) {
			continue
		}
		out = append(out, sentence)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func feedbackBlock(feedback string) string {
	var b strings.Builder
	b.WriteString("The client reviewed the previous version of this stage and asked for revisions. Their feedback, verbatim:\n\n")
	for _, line := range strings.Split(strings.TrimSpace(feedback), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\nAddress every point of this feedback explicitly, point by point. ")
	b.WriteString("Your answer must differ materially from the previous version; do not restate it.")
	return b.String()
}

// Augment queries the retriever with query and attaches the kept chunks to bundle.
// Failures and empty results leave bundle unchanged. It returns the number of chunks used.
func (b *Builder) Augment(ctx context.Context, bundle *Bundle, query string) int {
	if b.retriever == nil || strings.TrimSpace(query) == "" {
		return 0
	}
	chunks, err := b.retriever.Search(ctx, query, b.minSimilarity, b.limit)
	if err != nil {
		b.logger.Warn("retrieval failed, continuing without retrieved context: %v", err)
		return 0
	}
	chunks = knowledge.Filter(chunks, b.minSimilarity, b.limit)
	if len(chunks) == 0 {
		b.logger.Debug("retrieval returned no chunks above %.2f", b.minSimilarity)
		return 0
	}
	bundle.RetrievedBlock = knowledge.FormatChunks(chunks)
	return len(chunks)
}

// Render produces the context text handed to the prompt template.
func (bundle *Bundle) Render() string {
	var parts []string

	if bundle.FeedbackBlock != "" {
		parts = append(parts, HeadingFeedback+"\n"+bundle.FeedbackBlock)
	}

	if len(bundle.BriefFields) > 0 {
		var b strings.Builder
		b.WriteString(HeadingBrief)
		for _, f := range bundle.BriefFields {
			fmt.Fprintf(&b, "\n- %s: %s", f.Label, f.Value)
		}
		parts = append(parts, b.String())
	}

	if len(bundle.RunOutputs) > 0 {
		parts = append(parts, renderSections(HeadingRunOutputs, bundle.RunOutputs))
	}
	if len(bundle.PreviousOutputs) > 0 {
		parts = append(parts, renderSections(HeadingPreviousOutputs, bundle.PreviousOutputs))
	}
	if bundle.Notes != "" {
		parts = append(parts, HeadingNotes+"\n"+bundle.Notes)
	}
	if bundle.RetrievedBlock != "" {
		parts = append(parts, HeadingRetrieved+"\n"+bundle.RetrievedBlock)
	}
	return strings.Join(parts, "\n\n")
}

func renderSections(heading string, sections []Section) string {
	var b strings.Builder
	b.WriteString(heading)
	for _, s := range sections {
		fmt.Fprintf(&b, "\n\n### %s\n%s", s.Title, s.Text)
	}
	return b.String()
}
