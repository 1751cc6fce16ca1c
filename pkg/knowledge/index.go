package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageengine/pkg/engineerr"
)

// maxQueryTerms caps how many of the query's key terms go into the FTS match.
const maxQueryTerms = 20

// LocalIndex is a Retriever backed by an FTS5 table in an existing sqlite database.
//
// Similarity is the fraction of a document's key terms that also occur in the query,
// so a short note is a full match when every one of its terms appears in the prompt.
type LocalIndex struct {
	db *sql.DB
}

var _ Retriever = (*LocalIndex)(nil)

// NewLocalIndex creates the index table if needed.
func NewLocalIndex(db *sql.DB) (*LocalIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	_, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
		doc_id UNINDEXED,
		content,
		source UNINDEXED,
		title UNINDEXED,
		type UNINDEXED
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge index: %w", err)
	}
	return &LocalIndex{db: db}, nil
}

// Ingest implements Retriever. Re-ingesting an id replaces the document.
func (x *LocalIndex) Ingest(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return engineerr.Validation("retrieval ingest", "document content is empty")
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_fts WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("failed to replace document %s: %w", doc.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO knowledge_fts (doc_id, content, source, title, type) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Content, doc.Metadata.Source, doc.Metadata.Title, doc.Metadata.Type); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
	}
	return tx.Commit()
}

// Search implements Retriever.
func (x *LocalIndex) Search(ctx context.Context, query string, threshold float64, limit int) ([]Chunk, error) {
	terms := ExtractKeyTerms(maxQueryTerms, query)
	if len(terms) == 0 {
		return nil, nil
	}

	// FTS5 expects terms separated by OR for multi-term search
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT content, source, title, type
		FROM knowledge_fts
		WHERE knowledge_fts MATCH ?
		ORDER BY rank
		LIMIT 50`, strings.Join(quoted, " OR "))
	if err != nil {
		return nil, engineerr.System("retrieval search", fmt.Errorf("FTS query failed: %w", err))
	}
	defer func() { _ = rows.Close() }()

	queryTerms := KeywordSet(query)
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.Content, &c.Metadata.Source, &c.Metadata.Title, &c.Metadata.Type); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		c.Similarity = coverage(KeywordSet(c.Content), queryTerms)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return Filter(chunks, threshold, limit), nil
}

func coverage(doc, query map[string]struct{}) float64 {
	if len(doc) == 0 {
		return 0
	}
	hits := 0
	for term := range doc {
		if _, ok := query[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(doc))
}
