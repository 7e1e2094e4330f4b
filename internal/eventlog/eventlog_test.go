package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentdeck/internal/core"
)

func TestEmitAndReadTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	log, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	events := []core.Event{
		{Type: core.EventText, TaskID: "task-1", Text: "hello"},
		{Type: core.EventText, TaskID: "task-2", Text: "other"},
		{Type: core.EventFinish, TaskID: "task-1", Text: "done"},
	}
	for _, ev := range events {
		if err := log.Emit(ev); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadTask(path, "task-1")
	if err != nil {
		t.Fatalf("ReadTask: %v", err)
	}
	if len(got) != 2 || got[0].Text != "hello" || got[1].Type != core.EventFinish {
		t.Fatalf("unexpected events: %+v", got)
	}
	if !got[0].Timestamp.Equal(fixed) {
		t.Fatalf("missing timestamp should be stamped, got %v", got[0].Timestamp)
	}

	all, err := ReadTask(path, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected all 3 events, got %d (%v)", len(all), err)
	}
}

func TestReadTaskSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	body := "{\"type\":\"text\",\"task_id\":\"t\"}\nnot json\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadTask(path, "t")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 event, got %d (%v)", len(got), err)
	}
}

func TestCloseNil(t *testing.T) {
	var log *EventLog
	if err := log.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
