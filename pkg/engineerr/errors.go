// Package engineerr provides the classified error taxonomy used across the stage engine.
package engineerr

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the failure class of an engine error.
type Category int8

const (
	// CategoryValidation represents bad input: missing records, malformed payloads, unknown types.
	CategoryValidation Category = iota
	// CategoryNetwork represents transport failures talking to the completion or retrieval service.
	CategoryNetwork
	// CategoryProcessing represents unusable model output (empty, too short).
	CategoryProcessing
	// CategorySystem represents internal failures: storage, provider 5xx, rate limiting.
	CategorySystem
	// CategoryDependency represents an unsatisfiable step dependency graph.
	CategoryDependency
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryNetwork:
		return "network"
	case CategoryProcessing:
		return "processing"
	case CategorySystem:
		return "system"
	case CategoryDependency:
		return "dependency"
	default:
		return "invalid"
	}
}

// Severity ranks how disruptive an error is to the caller.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor is the default severity of each category.
func severityFor(c Category) Severity {
	switch c {
	case CategoryValidation:
		return SeverityLow
	case CategoryNetwork, CategoryProcessing:
		return SeverityMedium
	case CategorySystem:
		return SeverityHigh
	case CategoryDependency:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// retryableFor reports whether errors of a category are eligible for automatic retry.
func retryableFor(c Category) bool {
	switch c {
	case CategoryNetwork, CategorySystem, CategoryProcessing:
		return true
	default:
		return false
	}
}

// Error is a classified engine error.
//
//nolint:govet // fieldalignment: readability over packing
type Error struct {
	Err        error    // Wrapped underlying error
	Op         string   // Operation that failed, e.g. "invoke", "persist conversation"
	Message    string   // Human-readable message
	StepIDs    []string // Steps involved (dependency errors list unprocessed steps)
	Category   Category
	Severity   Severity
	Retryable  bool
	StatusCode int // HTTP status from an upstream service, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Category.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	switch {
	case e.Message != "" && e.Err != nil:
		fmt.Fprintf(&b, "%s: %v", e.Message, e.Err)
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		fmt.Fprintf(&b, "%v", e.Err)
	default:
		fmt.Fprintf(&b, "status %d", e.StatusCode)
	}
	if len(e.StepIDs) > 0 {
		fmt.Fprintf(&b, " [steps: %s]", strings.Join(e.StepIDs, ", "))
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with the category's default severity and retry flag.
func New(category Category, op, message string) *Error {
	return &Error{
		Category:  category,
		Severity:  severityFor(category),
		Retryable: retryableFor(category),
		Op:        op,
		Message:   message,
	}
}

// Wrap creates a classified error around cause.
func Wrap(category Category, op string, cause error, message string) *Error {
	e := New(category, op, message)
	e.Err = cause
	return e
}

// Validation returns a non-retryable validation error.
func Validation(op string, format string, args ...any) *Error {
	return New(CategoryValidation, op, fmt.Sprintf(format, args...))
}

// Network wraps a transport failure.
func Network(op string, cause error) *Error {
	return Wrap(CategoryNetwork, op, cause, "")
}

// Processing returns an error for unusable model output.
func Processing(op string, format string, args ...any) *Error {
	return New(CategoryProcessing, op, fmt.Sprintf(format, args...))
}

// System wraps an internal failure.
func System(op string, cause error) *Error {
	return Wrap(CategorySystem, op, cause, "")
}

// Dependency returns a fatal error listing the steps that could not be scheduled.
func Dependency(op string, stepIDs []string, message string) *Error {
	e := New(CategoryDependency, op, message)
	e.StepIDs = append([]string(nil), stepIDs...)
	return e
}

// WithStatus sets the upstream HTTP status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// Is checks if an error is classified with the given category.
func Is(err error, category Category) bool {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Category == category
	}
	return false
}

// CategoryOf returns the category of err. Unclassified errors are treated as system errors.
func CategoryOf(err error) Category {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Category
	}
	return CategorySystem
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return false
}

// StepIDsOf returns the step ids attached to a classified error.
func StepIDsOf(err error) []string {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.StepIDs
	}
	return nil
}
