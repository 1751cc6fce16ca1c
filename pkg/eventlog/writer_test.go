package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWriter(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "events")

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	currentFile := writer.GetCurrentLogFile()
	if currentFile == "" {
		t.Fatal("No current log file set")
	}
	if _, err := os.Stat(currentFile); os.IsNotExist(err) {
		t.Error("Current log file does not exist")
	}
}

func TestWriteAndReadEvents(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	events := []*Event{
		{Type: TypeRunStarted, RunID: "r1", BriefID: "B1", StageID: "S1"},
		{Type: TypeStepTransition, RunID: "r1", BriefID: "B1", StageID: "S1", StepID: "s1", From: "pending", To: "building_context"},
		{Type: TypeRunFinished, RunID: "r1", BriefID: "B1", StageID: "S1", Error: "processing error"},
	}
	for i, ev := range events {
		if err := writer.WriteEvent(ev); err != nil {
			t.Fatalf("Failed to write event %d: %v", i, err)
		}
	}

	read, err := ReadEvents(writer.GetCurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(read) != len(events) {
		t.Fatalf("Expected %d events, got %d", len(events), len(read))
	}
	for i, ev := range read {
		if ev.Type != events[i].Type || ev.StepID != events[i].StepID || ev.To != events[i].To {
			t.Errorf("event %d mismatch: %+v", i, ev)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}
}

func TestDailyRotation(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	day := time.Date(2025, 12, 24, 23, 59, 0, 0, time.Local)
	writer.now = func() time.Time { return day }
	if err := writer.WriteEvent(&Event{Type: TypeRunStarted, RunID: "eve"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := writer.GetCurrentLogFile()

	day = day.Add(2 * time.Minute)
	if err := writer.WriteEvent(&Event{Type: TypeRunStarted, RunID: "christmas"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := writer.GetCurrentLogFile()

	if filepath.Base(first) != "events-2025-12-24.jsonl" || filepath.Base(second) != "events-2025-12-25.jsonl" {
		t.Fatalf("unexpected files %s, %s", first, second)
	}
	for path, want := range map[string]string{first: "eve", second: "christmas"} {
		events, err := ReadEvents(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if len(events) != 1 || events[0].RunID != want {
			t.Errorf("%s: unexpected events %+v", path, events)
		}
	}

	files, err := ListLogFiles(tmpDir)
	if err != nil {
		t.Fatalf("ListLogFiles: %v", err)
	}
	// today's file plus the two rotated ones, unless today is one of them
	if len(files) < 2 {
		t.Errorf("expected at least 2 log files, got %v", files)
	}
}

func TestReadEventsErrors(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := ReadEvents(filepath.Join(tmpDir, "missing.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(tmpDir, "bad.jsonl")
	if err := os.WriteFile(bad, []byte("{\"type\":\"run_started\"}\n\nnot json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadEvents(bad); err == nil {
		t.Error("expected parse error")
	}

	empty := filepath.Join(tmpDir, "empty.jsonl")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	events, err := ReadEvents(empty)
	if err != nil || len(events) != 0 {
		t.Errorf("expected no events, got %v %v", events, err)
	}
}
