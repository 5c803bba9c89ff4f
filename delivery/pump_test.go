package delivery

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/eventlog"
)

func testLogWithFinal(t *testing.T) *eventlog.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := eventlog.Open(eventlog.Options{Dir: dir, AllowTruncation: true, AllowStateRepair: true}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := l.AppendBatch([]eventlog.Entry{
		{Type: eventlog.TypeIntentCreated, Payload: map[string]any{"token_id": "t1", "campaign_id": "c1", "publisher_id": "p1", "creative_id": "cr1"}},
		{Type: eventlog.TypeResolutionFinal, Payload: map[string]any{"token_id": "t1", "stage": "purchase", "value": 5.0, "outcome_type": "purchase", "billable": true}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return l
}

func TestTickDeliversAndAdvancesCursor(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	log := testLogWithFinal(t)
	p, err := New(Options{Dir: dir, URL: srv.URL, MaxRetries: 3}, log, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new pump: %v", err)
	}

	if err := p.Tick(time.Now().UTC()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", hits)
	}
	if p.state.LastDeliveredSeq != 2 {
		t.Fatalf("expected cursor to advance to seq 2, got %d", p.state.LastDeliveredSeq)
	}

	// second tick: nothing new to deliver
	if err := p.Tick(time.Now().UTC()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected no further deliveries once caught up, got %d hits", hits)
	}
}

func TestTickDLQsAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	log := testLogWithFinal(t)
	p, err := New(Options{Dir: dir, URL: srv.URL, MaxRetries: 1, BaseBackoff: time.Millisecond}, log, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new pump: %v", err)
	}

	if err := p.Tick(time.Now().UTC()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if p.state.LastDeliveredSeq != 2 {
		t.Fatalf("expected DLQ to advance cursor past failing event, got %d", p.state.LastDeliveredSeq)
	}
	if p.state.RetryCount != 0 {
		t.Fatalf("expected retry_count reset to 0 after DLQ, got %d", p.state.RetryCount)
	}
	health := p.Health()
	if health.DLQCount != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", health.DLQCount)
	}
}

func TestTickNoopWithoutURL(t *testing.T) {
	dir := t.TempDir()
	log := testLogWithFinal(t)
	p, err := New(Options{Dir: dir}, log, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new pump: %v", err)
	}
	if err := p.Tick(time.Now().UTC()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if p.state.LastDeliveredSeq != 0 {
		t.Fatalf("expected no delivery without a configured url")
	}
}
