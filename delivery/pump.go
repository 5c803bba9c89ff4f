/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Persistent-cursor, strict-seq-order at-least-once
             delivery of resolution.final events to an external
             webhook, with capped exponential backoff and a DLQ for
             retries exhausted beyond max_retries.
Root Cause:  Downstream billing/attribution systems need every final
             resolution exactly once in order, but the pump itself
             must survive crashes and a flaky receiver without losing
             or reordering events.
Context:     Reads the same event log the projection engine applies;
             writes only its own cursor file and DLQ journal.
Suitability: L3 — retry/backoff state machine, well-bounded surface.
──────────────────────────────────────────────────────────────
*/

package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/schema"
	"github.com/crystalford/flyback/storage"
)

const schemaVersion = 1

// Options configures a Pump.
type Options struct {
	Dir          string
	URL          string
	Timeout      time.Duration
	Secret       string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxRetries   int
	TickInterval time.Duration
}

// Pump delivers resolution.final events to a webhook in seq order.
type Pump struct {
	opts   Options
	log    *eventlog.Log
	logger zerolog.Logger
	client *http.Client

	cursorPath string
	dlqPath    string

	mu            sync.Mutex
	state         CursorState
	nextAttemptAt time.Time
	dlqCount      int64
	dlqLast       *DLQEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Pump, loading any persisted cursor/DLQ state.
func New(opts Options, log *eventlog.Log, logger zerolog.Logger) (*Pump, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 8
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = 1 * time.Second
	}

	p := &Pump{
		opts:       opts,
		log:        log,
		logger:     logger.With().Str("component", "delivery").Logger(),
		client:     &http.Client{Timeout: opts.Timeout},
		cursorPath: opts.Dir + "/delivery_cursor.json",
		dlqPath:    opts.Dir + "/delivery_dlq.ndjson",
	}

	if opts.Dir != "" {
		raw, ok, err := storage.ReadFile(p.cursorPath)
		if err != nil {
			return nil, fmt.Errorf("delivery: read cursor: %w", err)
		}
		if ok {
			if err := json.Unmarshal(raw, &p.state); err != nil {
				return nil, fmt.Errorf("delivery: parse cursor: %w", err)
			}
		}
		if err := p.loadDLQSummary(); err != nil {
			return nil, fmt.Errorf("delivery: read dlq: %w", err)
		}
	}

	return p, nil
}

func (p *Pump) loadDLQSummary() error {
	return storage.ReadLines(p.dlqPath, func(line []byte) (bool, error) {
		var entry DLQEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return false, fmt.Errorf("malformed dlq line: %w", err)
		}
		p.dlqCount++
		e := entry
		p.dlqLast = &e
		return true, nil
	})
}

// Start runs the tick loop until ctx is canceled or Stop is called.
func (p *Pump) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.Tick(time.Now().UTC()); err != nil {
					p.logger.Error().Err(err).Msg("delivery tick failed")
				}
			}
		}
	}()
}

// Stop signals the tick loop to exit and waits for it to finish.
func (p *Pump) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

// Tick runs one iteration of the delivery loop (spec §4.I steps 1-6).
func (p *Pump) Tick(now time.Time) error {
	if p.opts.URL == "" {
		return nil
	}

	p.mu.Lock()
	if now.Before(p.nextAttemptAt) {
		p.mu.Unlock()
		return nil
	}
	lastDelivered := p.state.LastDeliveredSeq
	p.mu.Unlock()

	var next *eventlog.Event
	if err := p.log.ScanFrom(lastDelivered, func(ev eventlog.Event) (bool, error) {
		if ev.Type == eventlog.TypeResolutionFinal {
			e := ev
			next = &e
			return false, nil
		}
		return true, nil
	}); err != nil {
		return fmt.Errorf("delivery: scan: %w", err)
	}
	if next == nil {
		return nil // idle: nothing new to deliver
	}

	p.mu.Lock()
	p.state.LastAttemptAt = now
	p.mu.Unlock()

	err := p.post(*next, now)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.state.LastDeliveredSeq = next.Seq
		p.state.RetryCount = 0
		p.nextAttemptAt = time.Time{}
		return p.persistLocked()
	}

	p.state.RetryCount++
	if p.state.RetryCount >= p.opts.MaxRetries {
		if derr := p.dlqLocked(*next, now, err); derr != nil {
			return derr
		}
		p.state.LastDeliveredSeq = next.Seq
		p.state.RetryCount = 0
		p.nextAttemptAt = time.Time{}
		return p.persistLocked()
	}

	backoff := p.opts.BaseBackoff * time.Duration(1<<uint(p.state.RetryCount-1))
	if backoff > p.opts.MaxBackoff {
		backoff = p.opts.MaxBackoff
	}
	p.nextAttemptAt = now.Add(backoff)
	p.logger.Warn().Err(err).Int64("seq", next.Seq).Int("retry_count", p.state.RetryCount).
		Dur("backoff", backoff).Msg("delivery attempt failed, scheduling retry")
	return p.persistLocked()
}

func (p *Pump) post(ev eventlog.Event, now time.Time) error {
	var rawPayload any
	if err := json.Unmarshal(ev.Payload, &rawPayload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	body, err := json.Marshal(outboundPayload{
		SchemaVersion: schemaVersion,
		DeliveryTS:    now.Format(time.RFC3339),
		Seq:           ev.Seq,
		EventID:       ev.EventID,
		Type:          string(ev.Type),
		TS:            ev.TS.Format(time.RFC3339),
		Payload:       rawPayload,
	})
	if err != nil {
		return fmt.Errorf("marshal outbound payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-flyback-schema-version", fmt.Sprintf("%d", schemaVersion))
	if p.opts.Secret != "" {
		mac := hmac.New(sha256.New, []byte(p.opts.Secret))
		mac.Write(body)
		req.Header.Set("x-flyback-signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Pump) dlqLocked(ev eventlog.Event, now time.Time, cause error) error {
	var rawPayload any
	_ = json.Unmarshal(ev.Payload, &rawPayload)

	entry := DLQEntry{
		FailedAt: now,
		Seq:      ev.Seq,
		EventID:  ev.EventID,
		Status:   "retries_exhausted",
		Error:    cause.Error(),
		Payload:  rawPayload,
	}
	if err := schema.ValidateJSON(schema.DLQEntrySchema, entry); err != nil {
		return fmt.Errorf("validate dlq entry: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if _, err := storage.AppendNDJSON(p.dlqPath, [][]byte{line}); err != nil {
		return fmt.Errorf("append dlq: %w", err)
	}
	p.dlqCount++
	e := entry
	p.dlqLast = &e
	p.logger.Error().Int64("seq", ev.Seq).Str("event_id", ev.EventID).Msg("delivery retries exhausted, DLQed")
	return nil
}

func (p *Pump) persistLocked() error {
	if p.opts.Dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWrite(p.cursorPath, append(data, '\n'))
}

// Health returns the current delivery status for reports and
// GET /v1/delivery.
func (p *Pump) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	lastEventSeq := p.log.LastSeq()
	h := Health{
		LastDeliveredSeq: p.state.LastDeliveredSeq,
		LastAttemptAt:    p.state.LastAttemptAt,
		LastEventSeq:     lastEventSeq,
		DeliveryLag:      lastEventSeq - p.state.LastDeliveredSeq,
		RetryCount:       p.state.RetryCount,
		DLQCount:         p.dlqCount,
	}
	if p.dlqLast != nil {
		cp := *p.dlqLast
		h.DLQLastEntry = &cp
	}
	return h
}
