package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecord_UniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec := NewRecord("workflow", "fresh", 1)
		if ids[rec.ID] {
			t.Errorf("duplicate record ID: %s", rec.ID)
		}
		ids[rec.ID] = true
	}
}

func TestRecord_EventSequence(t *testing.T) {
	rec := NewRecord("workflow", "accumulate", 2)
	first := rec.AddEvent(Event{Type: EventCycleStart, Cycle: 1})
	second := rec.AddEvent(Event{Type: EventUser, Content: "hello"})

	if first != 1 || second != 2 {
		t.Errorf("expected seq 1 and 2, got %d and %d", first, second)
	}
	if rec.CurrentSeqID() != 2 {
		t.Errorf("expected current seq 2, got %d", rec.CurrentSeqID())
	}
	if rec.Events[1].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store error: %v", err)
	}

	rec := NewRecord("nightly", "compact", 3)
	rec.AddEvent(Event{Type: EventCommand, Cycle: 1, Tool: "make test", Success: Bool(false), Error: "exit 2",
		Meta: &EventMeta{Outcome: "failure", ExitCode: Int(2)}})
	rec.AddEvent(Event{Type: EventCompaction, Cycle: 1, Meta: &EventMeta{Trigger: TriggerCycle, Preserved: []string{"git-status"}}})
	rec.State["selected-task"] = "fix parser"
	rec.Finish(StatusFailed, errors.New("cycle 1 failed"), map[string]int64{"cycles_completed": 0})

	if err := store.Save(rec); err != nil {
		t.Fatalf("save error: %v", err)
	}

	loaded, err := store.Load(rec.ID)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded.WorkflowName != "nightly" || loaded.Mode != "compact" || loaded.Cycles != 3 {
		t.Errorf("unexpected header: %+v", loaded)
	}
	if loaded.Status != StatusFailed || loaded.Error != "cycle 1 failed" {
		t.Errorf("unexpected footer: status=%s error=%s", loaded.Status, loaded.Error)
	}
	if len(loaded.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(loaded.Events))
	}
	cmd := loaded.Events[0]
	if cmd.Error != "exit 2" || cmd.Success == nil || *cmd.Success {
		t.Errorf("event error fields lost: %+v", cmd)
	}
	if cmd.Meta == nil || cmd.Meta.ExitCode == nil || *cmd.Meta.ExitCode != 2 {
		t.Errorf("event meta lost: %+v", cmd.Meta)
	}
	if loaded.State["selected-task"] != "fix parser" {
		t.Errorf("expected state to round-trip, got %v", loaded.State)
	}
	if loaded.CurrentSeqID() != 2 {
		t.Errorf("expected seq counter restored to 2, got %d", loaded.CurrentSeqID())
	}
}

func TestFileStore_List(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)

	older := NewRecord("a", "fresh", 1)
	newer := NewRecord("b", "fresh", 1)
	store.Save(older)
	store.Save(newer)
	past := time.Now().Add(-time.Hour)
	os.Chtimes(store.Path(older.ID), past, past)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)

	ids, err := store.List()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(ids) != 2 || ids[0] != newer.ID {
		t.Errorf("expected newest first, got %v", ids)
	}
}

func TestLoadFile_NoTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	content := `{"_type":"header","id":"r1","workflow_name":"w"}
{"_type":"event","seq":1,"type":"user","content":"hi"}`
	os.WriteFile(path, []byte(content), 0644)

	rec, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if rec.ID != "r1" || len(rec.Events) != 1 || rec.Events[0].Content != "hi" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	os.WriteFile(path, []byte("{not json}\n"), 0644)

	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}
