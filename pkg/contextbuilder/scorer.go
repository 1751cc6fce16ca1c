package contextbuilder

import (
	"stageengine/pkg/knowledge"
	"stageengine/pkg/persistence"
)

// Query is what a candidate is scored against.
type Query struct {
	Keywords     map[string]struct{}
	Requirements string
	Skills       []persistence.Skill
}

// NewQuery builds the keyword set from step requirements and agent skills.
func NewQuery(requirements string, skills []persistence.Skill) Query {
	texts := make([]string, 0, 1+2*len(skills))
	texts = append(texts, requirements)
	for i := range skills {
		texts = append(texts, skills[i].Name, skills[i].Description)
	}
	return Query{
		Keywords:     knowledge.KeywordSet(texts...),
		Requirements: requirements,
		Skills:       skills,
	}
}

// Matches reports whether text shares at least one keyword with q.
func (q Query) Matches(text string) bool {
	for _, token := range knowledge.Tokenize(text) {
		if _, ok := q.Keywords[token]; ok {
			return true
		}
	}
	return false
}

// Scorer rates how relevant a candidate text is to a query. Zero means irrelevant.
type Scorer interface {
	Score(q Query, candidate string) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(q Query, candidate string) float64

// Score implements Scorer.
func (f ScorerFunc) Score(q Query, candidate string) float64 {
	return f(q, candidate)
}

// KeywordScorer counts the distinct query keywords present in the candidate.
type KeywordScorer struct{}

// Score implements Scorer.
func (KeywordScorer) Score(q Query, candidate string) float64 {
	seen := make(map[string]struct{})
	for _, token := range knowledge.Tokenize(candidate) {
		if _, ok := q.Keywords[token]; ok {
			seen[token] = struct{}{}
		}
	}
	return float64(len(seen))
}
