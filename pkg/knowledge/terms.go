package knowledge

import (
	"regexp"
	"sort"
	"strings"
)

// tokenPattern preserves camelCase, snake_case and kebab-case identifiers.
var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_-]+`)

//nolint:gochecknoglobals // read-only lookup table
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"as": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "should": true, "could": true, "may": true, "might": true,
	"must": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "you": true, "he": true, "she": true,
	"it": true, "we": true, "they": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
	"our": true, "your": true, "their": true, "its": true, "into": true,
	"about": true, "all": true, "any": true, "not": true, "also": true,
	"than": true, "then": true, "there": true, "each": true, "such": true,
}

// Tokenize lowercases text and returns its content words in order.
// Words shorter than three characters and stop words are dropped.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		lower := strings.ToLower(strings.Trim(token, "-_"))
		if len(lower) < 3 || stopWords[lower] {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// KeywordSet returns the distinct tokens of all texts.
func KeywordSet(texts ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, text := range texts {
		for _, token := range Tokenize(text) {
			set[token] = struct{}{}
		}
	}
	return set
}

// ExtractKeyTerms returns up to maxTerms tokens of texts ordered by frequency,
// ties broken alphabetically.
func ExtractKeyTerms(maxTerms int, texts ...string) []string {
	freq := make(map[string]int)
	for _, text := range texts {
		for _, token := range Tokenize(text) {
			freq[token]++
		}
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if maxTerms > 0 && len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}
