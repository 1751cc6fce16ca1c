package mocks

import (
	"context"
	"sync"

	"stageengine/pkg/persistence"
)

// FaultyStore wraps a real store and fails selected writes.
type FaultyStore struct {
	persistence.Store

	// FailConversationForStep makes InsertConversation fail for that flow step id.
	FailConversationForStep string
	// FailBriefOutput makes InsertBriefOutput fail.
	FailBriefOutput error
	Err             error

	mu            sync.Mutex
	conversations int
	attempts      map[string]int
}

// InsertConversation implements persistence.Store.
func (f *FaultyStore) InsertConversation(ctx context.Context, conv *persistence.WorkflowConversation) error {
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[conv.FlowStepID]++
	f.mu.Unlock()
	if f.FailConversationForStep != "" && conv.FlowStepID == f.FailConversationForStep {
		return f.Err
	}
	if err := f.Store.InsertConversation(ctx, conv); err != nil {
		return err
	}
	f.mu.Lock()
	f.conversations++
	f.mu.Unlock()
	return nil
}

// InsertBriefOutput implements persistence.Store.
func (f *FaultyStore) InsertBriefOutput(ctx context.Context, out *persistence.BriefOutput) error {
	if f.FailBriefOutput != nil {
		return f.FailBriefOutput
	}
	return f.Store.InsertBriefOutput(ctx, out)
}

// ConversationCount returns how many conversations were written through the wrapper.
func (f *FaultyStore) ConversationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations
}

// InsertAttempts returns how many inserts were attempted for a flow step, failed or not.
func (f *FaultyStore) InsertAttempts(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[stepID]
}
