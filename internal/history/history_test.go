package history

import (
	"path/filepath"
	"testing"
)

func TestRecordAndRecent(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}

	first := &Transfer{
		Direction: DirectionSend,
		Peer:      "203.0.113.1:5000",
		Files:     3,
		Bytes:     1 << 20,
		Status:    StatusOK,
		StartedAt: 1700000000,
	}
	second := &Transfer{
		Direction: DirectionReceive,
		Peer:      "203.0.113.2:6000",
		Files:     1,
		Bytes:     42,
		Status:    StatusFailed,
		StartedAt: 1700000100,
	}
	if err := store.Record(first); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(second); err != nil {
		t.Fatal(err)
	}

	rows, err := store.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	// newest first
	if rows[0].Direction != DirectionReceive || rows[1].Direction != DirectionSend {
		t.Errorf("unexpected order: %+v", rows)
	}
	if rows[0].FinishedAt == 0 {
		t.Error("FinishedAt should default to now")
	}
	if rows[1].Bytes != 1<<20 || rows[1].Files != 3 {
		t.Errorf("row fields lost: %+v", rows[1])
	}
}

func TestRecentLimit(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := store.Record(&Transfer{Direction: DirectionSend, Status: StatusOK}); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := store.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("got %d rows, want 3", len(rows))
	}
}
