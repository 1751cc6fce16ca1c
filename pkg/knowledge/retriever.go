// Package knowledge provides similarity retrieval over previously ingested documents:
// an HTTP client for the external retrieval service and a local full-text index kept in
// the sqlite store database.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ChunkMetadata describes where a retrieved chunk came from.
type ChunkMetadata struct {
	Source string `json:"source,omitempty"`
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Chunk is one retrieved passage with its similarity in [0,1].
type Chunk struct {
	Content    string        `json:"content"`
	Metadata   ChunkMetadata `json:"metadata"`
	Similarity float64       `json:"similarity"`
}

// Document is a passage submitted for indexing.
type Document struct {
	ID       string        `json:"id"`
	Content  string        `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
}

// Retriever searches and grows a document index.
type Retriever interface {
	Search(ctx context.Context, query string, threshold float64, limit int) ([]Chunk, error)
	Ingest(ctx context.Context, doc Document) error
}

// Filter keeps chunks with similarity >= minSimilarity, most similar first, at most limit
// of them (limit <= 0 keeps all). The input slice is not modified.
func Filter(chunks []Chunk, minSimilarity float64, limit int) []Chunk {
	kept := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Similarity >= minSimilarity {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Similarity > kept[j].Similarity
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

// FormatChunks renders chunks as numbered documents with their similarity.
func FormatChunks(chunks []Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Document %d (similarity %.0f%%): %s", i+1, c.Similarity*100, c.Content)
	}
	return b.String()
}
