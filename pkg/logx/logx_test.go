package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLoggerFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("engine").Info("stage %s started", "strategy")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "[engine] INFO: stage strategy started")
	assert.True(t, strings.HasPrefix(line, "["), "line should start with timestamp: %q", line)
}

func TestLoggerDebugSuppressedWhenDisabled(t *testing.T) {
	buf := captureOutput(t)
	SetDebugConfig(false, nil)

	NewLogger("engine").Debug("hidden")
	Debug(context.Background(), "scheduler", "hidden too")

	assert.Empty(t, buf.String())
}

func TestDomainDebugCarriesRunID(t *testing.T) {
	buf := captureOutput(t)
	SetDebugConfig(true, []string{"scheduler"})
	t.Cleanup(func() { SetDebugConfig(false, nil) })

	ctx := WithRunID(context.Background(), "run-42")
	Debug(ctx, "scheduler", "batch %d", 1)
	Debug(ctx, "context", "filtered out")

	out := buf.String()
	assert.Contains(t, out, "[run:run-42] DEBUG: [scheduler] batch 1")
	assert.NotContains(t, out, "filtered out")
}

func TestIsDebugEnabledForDomain(t *testing.T) {
	t.Cleanup(func() { SetDebugConfig(false, nil) })

	SetDebugConfig(true, nil)
	assert.True(t, IsDebugEnabledForDomain("anything"))

	SetDebugConfig(true, []string{"invoker", " context "})
	assert.True(t, IsDebugEnabledForDomain("context"))
	assert.False(t, IsDebugEnabledForDomain("scheduler"))
}

func TestWithSubComponent(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("engine").With("step-2").Warn("short output")
	assert.Contains(t, buf.String(), "[engine/step-2] WARN: short output")
}

func TestRingBufferDropsOldest(t *testing.T) {
	rb := &RingBuffer{maxSize: 3}
	for _, msg := range []string{"a", "b", "c", "d"} {
		rb.Add(&LogEntry{Component: "x", Message: msg, Timestamp: time.Now().UTC().Format(timestampFormat)})
	}

	entries := rb.Entries("", time.Time{})
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].Message)
	assert.Equal(t, "d", entries[2].Message)
}

func TestRecentEntriesFilterByComponent(t *testing.T) {
	captureOutput(t)
	NewLogger("ringtest-alpha").Info("one")
	NewLogger("ringtest-beta").Info("two")

	entries := RecentEntries("ringtest-alpha", time.Time{})
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "ringtest-alpha", e.Component)
	}
}

func TestWrap(t *testing.T) {
	captureOutput(t)
	base := errors.New("disk full")

	err := Wrap(base, "persist conversation")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "persist conversation: disk full", err.Error())

	assert.NoError(t, Wrap(nil, "noop"))
}
