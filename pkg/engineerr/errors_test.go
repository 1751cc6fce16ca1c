package engineerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCategoryDefaults(t *testing.T) {
	tests := []struct {
		category  Category
		severity  Severity
		retryable bool
	}{
		{CategoryValidation, SeverityLow, false},
		{CategoryNetwork, SeverityMedium, true},
		{CategoryProcessing, SeverityMedium, true},
		{CategorySystem, SeverityHigh, true},
		{CategoryDependency, SeverityCritical, false},
	}

	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			e := New(tt.category, "op", "msg")
			if e.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", e.Severity, tt.severity)
			}
			if e.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", e.Retryable, tt.retryable)
			}
		})
	}
}

func TestIsAndCategoryOfThroughWrapping(t *testing.T) {
	inner := Validation("load brief", "brief %q not found", "b1")
	err := fmt.Errorf("run stage: %w", inner)

	if !Is(err, CategoryValidation) {
		t.Error("expected wrapped error to be a validation error")
	}
	if Is(err, CategoryNetwork) {
		t.Error("did not expect network category")
	}
	if CategoryOf(err) != CategoryValidation {
		t.Errorf("CategoryOf = %s", CategoryOf(err))
	}
	if CategoryOf(errors.New("plain")) != CategorySystem {
		t.Error("unclassified errors should be system errors")
	}
}

func TestDependencyErrorListsSteps(t *testing.T) {
	ids := []string{"a", "b"}
	err := Dependency("schedule", ids, "no progress possible")
	ids[0] = "mutated"

	got := StepIDsOf(fmt.Errorf("wrap: %w", err))
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("StepIDsOf = %v", got)
	}
	want := "dependency error in schedule: no progress possible [steps: a, b]"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestExtractStatusCode(t *testing.T) {
	tests := map[string]int{
		"POST /v1/messages: 429 Too Many Requests status code: 429": 429,
		"HTTP 503 Service Unavailable":                              503,
		"status: 401":                                               401,
		"something else entirely":                                   0,
	}
	for msg, want := range tests {
		if got := ExtractStatusCode(msg); got != want {
			t.Errorf("ExtractStatusCode(%q) = %d, want %d", msg, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryNetwork, true},
		{"canceled", context.Canceled, CategorySystem, false},
		{"rate limit status", errors.New("HTTP 429 too many requests"), CategorySystem, true},
		{"server error", errors.New("status code: 502"), CategorySystem, true},
		{"auth", errors.New("status: 401 unauthorized"), CategorySystem, false},
		{"bad request", errors.New("HTTP 400 bad request"), CategoryValidation, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), CategoryNetwork, true},
		{"unknown", errors.New("weird"), CategorySystem, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify("invoke", tt.err)
			if e.Category != tt.category {
				t.Errorf("category = %s, want %s", e.Category, tt.category)
			}
			if e.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if !errors.Is(e, tt.err) {
				t.Error("classified error should wrap the cause")
			}
		})
	}
}

func TestClassifyKeepsClassifiedErrors(t *testing.T) {
	orig := Processing("validate", "output too short")
	if got := Classify("invoke", fmt.Errorf("x: %w", orig)); got != orig {
		t.Error("expected the already classified error to be returned")
	}
}
