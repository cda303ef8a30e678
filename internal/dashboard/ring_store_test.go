package dashboard

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRing_PushAndRecent(t *testing.T) {
	r := newRing[int](3)

	if got := r.recent(0); len(got) != 0 {
		t.Fatalf("expected empty ring, got %v", got)
	}

	r.push(1)
	r.push(2)
	if got := r.recent(0); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}

	// Past capacity, oldest entries fall off.
	r.push(3)
	r.push(4)
	if got := r.recent(0); len(got) != 3 || got[0] != 2 || got[1] != 3 || got[2] != 4 {
		t.Fatalf("expected [2 3 4], got %v", got)
	}

	if got := r.recent(2); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected last 2 [3 4], got %v", got)
	}
}

func TestEventStore_PushAndRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	store, err := NewEventStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.PushEvent("info", "carrier_reconnect", "peer reconnected")
	store.PushEvent("warn", "parse_error", "malformed cheat line")

	events := store.Recent(0)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "carrier_reconnect" {
		t.Errorf("expected first event type carrier_reconnect, got %q", events[0].Type)
	}
	if events[1].Type != "parse_error" {
		t.Errorf("expected second event type parse_error, got %q", events[1].Type)
	}
	if events[0].Timestamp == "" {
		t.Error("expected timestamp to be stamped")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty jsonl file")
	}
}

func TestEventStore_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	store1, err := NewEventStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	store1.PushEvent("info", "test", "event-a")
	store1.PushEvent("warn", "test", "event-b")
	store1.Close()

	store2, err := NewEventStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	events := store2.Recent(0)
	if len(events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(events))
	}
	if events[0].Message != "event-a" || events[1].Message != "event-b" {
		t.Errorf("unexpected events after reload: %+v", events)
	}

	store2.PushEvent("info", "test", "event-c")
	events = store2.Recent(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events after append, got %d", len(events))
	}
}

func TestEventStore_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	store, err := NewEventStore(path, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 15; i++ {
		store.PushEvent("info", "test", "msg")
	}
	store.Close()

	store2, err := NewEventStore(path, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	if store2.store.lineCount > 10 {
		t.Errorf("expected lineCount <= 10 after rotation, got %d", store2.store.lineCount)
	}
}

func TestEventStore_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	content := `{"timestamp":"2026-01-01T00:00:00Z","level":"info","type":"test","message":"ok"}
not valid json
{"timestamp":"2026-01-01T00:01:00Z","level":"warn","type":"test","message":"also ok"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewEventStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	events := store.Recent(0)
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events skipping the corrupt line, got %d", len(events))
	}
}

func TestAttachmentHistoryStore_PushAndRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attachments.jsonl")

	store, err := NewAttachmentHistoryStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Push(AttachmentHistoryEntry{SessionID: "s1", ProcessID: 101, TitleID: 0x0100000000010000, DurationMS: 4200, Reason: "detached"})
	store.Push(AttachmentHistoryEntry{SessionID: "s2", ProcessID: 202, TitleID: 0x0100000000010000, DurationMS: 900, Reason: "process_exited"})

	entries := store.Recent(0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SessionID != "s1" || entries[1].SessionID != "s2" {
		t.Errorf("unexpected ordering: %+v", entries)
	}
}

func TestAttachmentSnapshotStore_RecentFiltersBySession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.jsonl")

	store, err := NewAttachmentSnapshotStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Push(AttachmentSnapshotEntry{SessionID: "s1", ActiveCheats: 1})
	store.Push(AttachmentSnapshotEntry{SessionID: "s2", ActiveCheats: 2})
	store.Push(AttachmentSnapshotEntry{SessionID: "s1", ActiveCheats: 3})

	all := store.Recent(0, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 unfiltered entries, got %d", len(all))
	}

	filtered := store.Recent(0, "s1")
	if len(filtered) != 2 {
		t.Fatalf("expected 2 entries for session s1, got %d", len(filtered))
	}
	for _, e := range filtered {
		if e.SessionID != "s1" {
			t.Errorf("expected only s1 entries, got %q", e.SessionID)
		}
	}
}
