package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"stageengine/pkg/knowledge"
)

// MockRetriever is a testify mock implementing knowledge.Retriever.
type MockRetriever struct {
	mock.Mock
}

var _ knowledge.Retriever = (*MockRetriever)(nil)

// Search implements knowledge.Retriever.
func (m *MockRetriever) Search(ctx context.Context, query string, threshold float64, limit int) ([]knowledge.Chunk, error) {
	args := m.Called(ctx, query, threshold, limit)
	chunks, _ := args.Get(0).([]knowledge.Chunk)
	return chunks, args.Error(1)
}

// Ingest implements knowledge.Retriever.
func (m *MockRetriever) Ingest(ctx context.Context, doc knowledge.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}
