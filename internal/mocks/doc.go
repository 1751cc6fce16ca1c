// Package mocks provides shared test doubles for the stage engine.
//
//   - MockLLMClient: scripted llm.LLMClient that records every request
//   - MockRetriever: testify mock for knowledge.Retriever
//   - FaultyStore: persistence.Store wrapper that injects write failures
//
// Usage:
//
//	client := mocks.NewMockLLMClient()
//	client.RespondByPrompt(func(prompt string) (string, error) {
//	    return "a long enough answer ...", nil
//	})
package mocks
