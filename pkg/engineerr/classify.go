package engineerr

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
)

//nolint:gochecknoglobals // compiled once
var statusPattern = regexp.MustCompile(`(?i)(?:status code:?|status:?|http|code|error)\s*(\d{3})\b`)

// ExtractStatusCode pulls an HTTP status code out of an SDK error message.
// Returns 0 when no code is present.
func ExtractStatusCode(errStr string) int {
	m := statusPattern.FindStringSubmatch(errStr)
	if m == nil {
		return 0
	}
	code, err := strconv.Atoi(m[1])
	if err != nil || code < 100 || code > 599 {
		return 0
	}
	return code
}

// FromStatus classifies an upstream HTTP status code.
func FromStatus(op string, statusCode int, cause error) *Error {
	var e *Error
	switch {
	case statusCode == 401 || statusCode == 403:
		e = Wrap(CategorySystem, op, cause, "authentication failed - check API key")
		e.Retryable = false
		e.Severity = SeverityCritical
	case statusCode == 429:
		e = Wrap(CategorySystem, op, cause, "rate limit exceeded")
	case statusCode == 408:
		e = Wrap(CategoryNetwork, op, cause, "request timeout")
	case statusCode >= 500:
		e = Wrap(CategorySystem, op, cause, "server error")
	case statusCode >= 400:
		e = Wrap(CategoryValidation, op, cause, "bad request - check prompt format and parameters")
	default:
		e = Wrap(CategorySystem, op, cause, "unexpected status")
	}
	return e.WithStatus(statusCode)
}

// Classify maps an arbitrary provider or transport error onto the taxonomy.
// Already classified errors are returned unchanged.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr
	}

	if errors.Is(err, context.Canceled) {
		e := Wrap(CategorySystem, op, err, "request canceled")
		e.Retryable = false
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CategoryNetwork, op, err, "request timeout")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(CategoryNetwork, op, err, "network or connection error")
	}

	errStr := err.Error()
	if code := ExtractStatusCode(errStr); code != 0 {
		return FromStatus(op, code, err)
	}

	lower := strings.ToLower(errStr)
	switch {
	case containsAny(lower, "timeout", "connection", "network", "temporary", "eof", "reset", "no such host"):
		return Wrap(CategoryNetwork, op, err, "network or connection error")
	case containsAny(lower, "rate limit", "quota", "too many requests"):
		return Wrap(CategorySystem, op, err, "rate limiting detected")
	case containsAny(lower, "unauthorized", "invalid api key", "authentication"):
		e := Wrap(CategorySystem, op, err, "authentication error")
		e.Retryable = false
		e.Severity = SeverityCritical
		return e
	case containsAny(lower, "malformed", "too large", "context length", "invalid request"):
		return Wrap(CategoryValidation, op, err, "prompt or request error")
	}

	return Wrap(CategorySystem, op, err, "unclassified error")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
