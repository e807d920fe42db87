package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshd/internal/metrics"
)

func TestJournalAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "teardowns.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, peer := range []string{"a", "b", "c"} {
		if err := j.Append(metrics.ConnEvent{At: time.Unix(1, 0).UTC(), Peer: peer, Reason: "closed"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := j.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 2 || got[0].Peer != "b" || got[1].Peer != "c" {
		t.Fatalf("unexpected tail %+v", got)
	}

	reopened, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.lines != 3 {
		t.Fatalf("expected 3 lines counted, got %d", reopened.lines)
	}
}

func TestJournalRotationKeepsTail(t *testing.T) {
	saved := MaxLinesPerFile
	MaxLinesPerFile = 2
	t.Cleanup(func() { MaxLinesPerFile = saved })

	path := filepath.Join(t.TempDir(), "teardowns.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, peer := range []string{"a", "b", "c"} {
		if err := j.Append(metrics.ConnEvent{Peer: peer}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotation file, got %v", err)
	}
	got, err := j.Tail(0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 3 || got[2].Peer != "c" {
		t.Fatalf("unexpected events after rotation %+v", got)
	}
}

func TestJournalSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teardowns.jsonl")
	if err := os.WriteFile(path, []byte("not json\n{\"peer\":\"x\",\"reason\":\"r\"}\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := j.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 1 || got[0].Peer != "x" {
		t.Fatalf("unexpected events %+v", got)
	}
}
