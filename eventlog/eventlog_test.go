package eventlog

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(Options{
		Dir:              dir,
		AllowTruncation:  true,
		AllowStateRepair: true,
	}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func TestAppendBatchAssignsContiguousSeq(t *testing.T) {
	l := testLog(t)

	events, err := l.AppendBatch([]Entry{
		{Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
		{Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", events[0].Seq, events[1].Seq)
	}
	if l.LastSeq() != 2 {
		t.Fatalf("expected last_seq=2, got %d", l.LastSeq())
	}
}

func TestAppendBatchDedupesByEventID(t *testing.T) {
	l := testLog(t)

	if _, err := l.AppendBatch([]Entry{
		{EventID: "E", Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
	}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := l.AppendBatch([]Entry{
		{EventID: "E", Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
	})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if l.LastSeq() != 1 {
		t.Fatalf("expected last_seq unchanged at 1, got %d", l.LastSeq())
	}
}

func TestAppendBatchIsAtomicAcrossEntries(t *testing.T) {
	l := testLog(t)

	// A batch containing a duplicate id among otherwise-new entries
	// must not partially land.
	if _, err := l.AppendBatch([]Entry{
		{EventID: "dup", Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	_, err := l.AppendBatch([]Entry{
		{EventID: "new1", Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
		{EventID: "dup", Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
	})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if l.LastSeq() != 1 {
		t.Fatalf("batch must not partially land: expected last_seq=1, got %d", l.LastSeq())
	}
}

func TestReopenReconcilesState(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.New(io.Discard)

	l1, err := Open(Options{Dir: dir, AllowTruncation: true, AllowStateRepair: true}, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l1.AppendBatch([]Entry{
		{Type: TypeImpressionRecorded, Payload: map[string]any{"campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	l2, err := Open(Options{Dir: dir, AllowTruncation: true, AllowStateRepair: true}, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if l2.LastSeq() != 1 {
		t.Fatalf("expected reopened log to see last_seq=1, got %d", l2.LastSeq())
	}
}
