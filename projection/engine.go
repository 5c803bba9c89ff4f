/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Deterministic reducer over the event stream producing
             tokens, aggregate windows, budgets, ledger and cap state.
             Applies events strictly in seq order under a single
             projection mutex, rolling back to the pre-batch snapshot
             on any invariant violation.
Root Cause:  This is the single place that owns token/budget/ledger/
             cap state in memory; every read view and every mutating
             command reaches it through ApplyBatch or a read lock.
Context:     Persists only the applied-seq cursor after every
             successful batch; tokens, aggregates, budgets, ledger and
             caps reach disk only through the periodic snapshot.
Suitability: L4 — the correctness core of the whole engine.
──────────────────────────────────────────────────────────────
*/

package projection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/storage"
)

// InvariantError marks a reducer failure (negative budget, negative
// cap, etc.). ApplyBatch rolls the batch back and returns it; the
// process does not exit.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "projection invariant violated: " + e.Reason }

const windowDuration = 10 * time.Minute
const tokenTTL = 30 * 24 * time.Hour

// Options configures an Engine.
type Options struct {
	Dir         string
	LockTimeout time.Duration
	LockRetry   time.Duration
}

// Engine owns all projected state and applies events to it.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	mu sync.RWMutex

	appliedSeq      int64
	appliedEventIDs map[string]struct{}

	tokens     map[string]*Token
	tokenOrder []string

	live       *Window
	lastWindow *Window

	budgets map[string]*Budget
	caps    map[string]*CapState

	ledger    []LedgerEntry
	ledgerIdx map[string]struct{}
}

// NewEngine constructs an Engine with empty state (used when no
// snapshot exists yet).
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.LockRetry == 0 {
		opts.LockRetry = 50 * time.Millisecond
	}
	return &Engine{
		opts:            opts,
		logger:          logger.With().Str("component", "projection").Logger(),
		appliedEventIDs: make(map[string]struct{}),
		tokens:          make(map[string]*Token),
		live:            newWindow(time.Now().UTC()),
		budgets:         make(map[string]*Budget),
		caps:            make(map[string]*CapState),
		ledgerIdx:       make(map[string]struct{}),
	}
}

// SeedBudget sets a campaign's starting total/remaining budget. It is
// a no-op if the campaign already has budget state (e.g. from an
// imported snapshot or a replayed event), so a campaign whose budget
// is already tracked is left untouched.
func (e *Engine) SeedBudget(campaignID string, total float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.budgets[campaignID]; ok {
		return
	}
	e.budgets[campaignID] = &Budget{CampaignID: campaignID, Total: total, Remaining: total}
}

// AppliedSeq returns the highest seq the projection has applied.
func (e *Engine) AppliedSeq() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.appliedSeq
}

// snapshotState is an internal structural clone used to roll back a
// batch that fails partway through.
type snapshotState struct {
	appliedSeq      int64
	appliedEventIDs map[string]struct{}
	tokens          map[string]*Token
	tokenOrder      []string
	live            *Window
	lastWindow      *Window
	budgets         map[string]*Budget
	caps            map[string]*CapState
	ledger          []LedgerEntry
	ledgerIdx       map[string]struct{}
}

func (e *Engine) snapshotLocked() snapshotState {
	tokens := make(map[string]*Token, len(e.tokens))
	for k, v := range e.tokens {
		cp := v.Clone()
		tokens[k] = &cp
	}
	budgets := make(map[string]*Budget, len(e.budgets))
	for k, v := range e.budgets {
		cp := *v
		budgets[k] = &cp
	}
	caps := make(map[string]*CapState, len(e.caps))
	for k, v := range e.caps {
		cp := *v
		caps[k] = &cp
	}
	ids := make(map[string]struct{}, len(e.appliedEventIDs))
	for k := range e.appliedEventIDs {
		ids[k] = struct{}{}
	}
	ledgerIdx := make(map[string]struct{}, len(e.ledgerIdx))
	for k := range e.ledgerIdx {
		ledgerIdx[k] = struct{}{}
	}
	var lastWindow *Window
	if e.lastWindow != nil {
		lastWindow = e.lastWindow.clone()
	}
	return snapshotState{
		appliedSeq:      e.appliedSeq,
		appliedEventIDs: ids,
		tokens:          tokens,
		tokenOrder:      append([]string(nil), e.tokenOrder...),
		live:            e.live.clone(),
		lastWindow:      lastWindow,
		budgets:         budgets,
		caps:            caps,
		ledger:          append([]LedgerEntry(nil), e.ledger...),
		ledgerIdx:       ledgerIdx,
	}
}

func (e *Engine) restoreLocked(s snapshotState) {
	e.appliedSeq = s.appliedSeq
	e.appliedEventIDs = s.appliedEventIDs
	e.tokens = s.tokens
	e.tokenOrder = s.tokenOrder
	e.live = s.live
	e.lastWindow = s.lastWindow
	e.budgets = s.budgets
	e.caps = s.caps
	e.ledger = s.ledger
	e.ledgerIdx = s.ledgerIdx
}

// ApplyBatch sorts events by seq and reduces each one not yet applied
// (by seq and by event_id) into the live state. On any reducer error
// the entire batch is rolled back and the error returned; callers
// pass it on to their own caller and the process keeps running. The
// events stay in the log, so a restart replays them again.
func (e *Engine) ApplyBatch(events []eventlog.Event, reason string) error {
	sorted := append([]eventlog.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snapshotLocked()

	for _, ev := range sorted {
		if ev.Seq <= e.appliedSeq {
			continue
		}
		if _, done := e.appliedEventIDs[ev.EventID]; done {
			continue
		}
		if err := e.reduce(ev); err != nil {
			e.restoreLocked(snap)
			e.logger.Error().Err(err).Str("reason", reason).Int64("seq", ev.Seq).Msg("rollback: reducer failure")
			return err
		}
		e.appliedEventIDs[ev.EventID] = struct{}{}
		e.appliedSeq = ev.Seq
	}

	if err := e.persistLocked(); err != nil {
		e.restoreLocked(snap)
		return fmt.Errorf("projection: persist: %w", err)
	}
	return nil
}

func (e *Engine) reduce(ev eventlog.Event) error {
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("reduce %s: decode payload: %w", ev.Type, err)
	}

	switch ev.Type {
	case eventlog.TypeImpressionRecorded:
		scope := scopeFromPayload(payload)
		e.live.Impressions[scope.key()]++

	case eventlog.TypeIntentCreated:
		tokenID, _ := payload["token_id"].(string)
		scope := scopeFromPayload(payload)
		now := ev.TS
		tok := &Token{
			TokenID:   tokenID,
			Scope:     scope,
			Status:    TokenPending,
			CreatedAt: now,
			PendingAt: now,
			ExpiresAt: now.Add(tokenTTL),
		}
		e.tokens[tokenID] = tok
		e.tokenOrder = append(e.tokenOrder, tokenID)
		e.live.Intents[scope.key()]++

	case eventlog.TypeResolutionPartial:
		tokenID, _ := payload["token_id"].(string)
		tok, ok := e.tokens[tokenID]
		if !ok {
			return fmt.Errorf("resolution.partial: unknown token %q", tokenID)
		}
		value, _ := payload["value"].(float64)
		outcome, _ := payload["outcome_type"].(string)
		stage, _ := payload["stage"].(string)
		tok.History = append(tok.History, ResolutionEvent{
			Stage: stage, ResolvedAt: ev.TS, ResolvedValue: value, OutcomeType: outcome,
		})
		e.live.PartialResolutions[tok.Scope.key()]++

	case eventlog.TypeResolutionFinal:
		tokenID, _ := payload["token_id"].(string)
		tok, ok := e.tokens[tokenID]
		if !ok {
			return fmt.Errorf("resolution.final: unknown token %q", tokenID)
		}
		value, _ := payload["value"].(float64)
		weighted, _ := payload["weighted_value"].(float64)
		outcome, _ := payload["outcome_type"].(string)
		stage, _ := payload["stage"].(string)
		billable, _ := payload["billable"].(bool)

		tok.History = append(tok.History, ResolutionEvent{
			Stage: stage, ResolvedAt: ev.TS, ResolvedValue: value, OutcomeType: outcome,
		})
		if !tok.resolvedOnce {
			tok.Status = TokenResolved
			tok.ResolvedAt = ev.TS
			tok.ResolvedVal = value
			tok.OutcomeType = outcome
			tok.Billable = billable
			tok.resolvedOnce = true

			key := tok.Scope.key()
			e.live.ResolvedIntents[key]++
			e.live.ResolvedValueSum[key] += value
			e.live.WeightedResolvedValSum[key] += weighted
			if billable {
				e.live.BillableResolutions[key]++
			} else {
				e.live.NonBillableResolutions[key]++
			}
		}

	case eventlog.TypeBudgetDecrement:
		campaignID, _ := payload["campaign_id"].(string)
		amount, _ := payload["amount"].(float64)
		b, ok := e.budgets[campaignID]
		if !ok {
			b = &Budget{CampaignID: campaignID}
			e.budgets[campaignID] = b
		}
		b.Remaining -= amount
		if b.Remaining < 0 {
			return &InvariantError{Reason: fmt.Sprintf("budget %s remaining went negative: %v", campaignID, b.Remaining)}
		}

	case eventlog.TypeLedgerAppend:
		entryID, _ := payload["entry_id"].(string)
		tokenID, _ := payload["token_id"].(string)
		finalStage, _ := payload["final_stage"].(string)
		key := ledgerKey(tokenID, finalStage)
		if _, dup := e.ledgerIdx[key]; dup {
			return nil // spec: (token_id, final_stage) uniqueness — silently skip repeat
		}
		entry := LedgerEntry{EntryID: entryID, TokenID: tokenID, FinalStage: finalStage, CreatedAt: ev.TS}
		decodeLedgerFields(&entry, payload)

		cap := e.caps[entry.CampaignID]
		if cap == nil {
			cap = &CapState{CampaignID: entry.CampaignID}
			e.caps[entry.CampaignID] = cap
		}
		if entry.Billable {
			cap.BillableCount++
			cap.BillableValueSum += entry.WeightedValue
		}
		e.ledger = append(e.ledger, entry)
		e.ledgerIdx[key] = struct{}{}

	case eventlog.TypeWindowReset:
		snapshot := e.live.clone()
		e.lastWindow = snapshot
		e.live = newWindow(ev.TS)

	default:
		return fmt.Errorf("reduce: unknown event type %q", ev.Type)
	}
	return nil
}

func scopeFromPayload(p map[string]any) Scope {
	s := Scope{}
	if v, ok := p["campaign_id"].(string); ok {
		s.CampaignID = v
	}
	if v, ok := p["publisher_id"].(string); ok {
		s.PublisherID = v
	}
	if v, ok := p["creative_id"].(string); ok {
		s.CreativeID = v
	}
	return s
}

func decodeLedgerFields(entry *LedgerEntry, p map[string]any) {
	if v, ok := p["campaign_id"].(string); ok {
		entry.CampaignID = v
	}
	if v, ok := p["advertiser_id"].(string); ok {
		entry.AdvertiserID = v
	}
	if v, ok := p["publisher_id"].(string); ok {
		entry.PublisherID = v
	}
	if v, ok := p["creative_id"].(string); ok {
		entry.CreativeID = v
	}
	if v, ok := p["window_id"].(string); ok {
		entry.WindowID = v
	}
	if v, ok := p["outcome_type"].(string); ok {
		entry.OutcomeType = v
	}
	if v, ok := p["raw_value"].(float64); ok {
		entry.RawValue = v
	}
	if v, ok := p["weighted_value"].(float64); ok {
		entry.WeightedValue = v
	}
	if v, ok := p["billable"].(bool); ok {
		entry.Billable = v
	}
	if v, ok := p["payout_cents"].(float64); ok {
		entry.PayoutCents = int64(v)
	}
	if v, ok := p["rev_share_bps"].(float64); ok {
		entry.RevShareBps = int64(v)
	}
}

// State is the full projected state in a JSON-serializable shape, used
// to write and restore a disk snapshot (see the snapshot package) so a
// restart can resume from snapshot_seq instead of replaying the whole
// log from genesis.
type State struct {
	AppliedSeq      int64         `json:"applied_seq"`
	AppliedEventIDs []string      `json:"applied_event_ids"`
	Tokens          []Token       `json:"tokens"`
	TokenOrder      []string      `json:"token_order"`
	Live            Window        `json:"live_window"`
	LastWindow      *Window       `json:"last_window,omitempty"`
	Budgets         []Budget      `json:"budgets"`
	Caps            []CapState    `json:"caps"`
	Ledger          []LedgerEntry `json:"ledger"`
}

// ExportState returns a deep copy of everything needed to reconstruct
// the engine, for the snapshot writer to serialize.
func (e *Engine) ExportState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := make([]Token, 0, len(e.tokenOrder))
	for _, id := range e.tokenOrder {
		if t, ok := e.tokens[id]; ok {
			tokens = append(tokens, t.Clone())
		}
	}
	ids := make([]string, 0, len(e.appliedEventIDs))
	for id := range e.appliedEventIDs {
		ids = append(ids, id)
	}
	budgets := make([]Budget, 0, len(e.budgets))
	for _, b := range e.budgets {
		budgets = append(budgets, *b)
	}
	caps := make([]CapState, 0, len(e.caps))
	for _, c := range e.caps {
		caps = append(caps, *c)
	}
	var lastWindow *Window
	if e.lastWindow != nil {
		lastWindow = e.lastWindow.clone()
	}

	return State{
		AppliedSeq:      e.appliedSeq,
		AppliedEventIDs: ids,
		Tokens:          tokens,
		TokenOrder:      append([]string(nil), e.tokenOrder...),
		Live:            *e.live.clone(),
		LastWindow:      lastWindow,
		Budgets:         budgets,
		Caps:            caps,
		Ledger:          append([]LedgerEntry(nil), e.ledger...),
	}
}

// ImportState replaces the engine's state wholesale. Callers must only
// call this before any event has been applied (right after NewEngine,
// loading a snapshot at startup) and then ApplyBatch only the log tail
// after State.AppliedSeq — it is not a merge.
func (e *Engine) ImportState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tokens := make(map[string]*Token, len(s.Tokens))
	for i := range s.Tokens {
		t := s.Tokens[i]
		t.resolvedOnce = t.Status == TokenResolved
		tokens[t.TokenID] = &t
	}
	ids := make(map[string]struct{}, len(s.AppliedEventIDs))
	for _, id := range s.AppliedEventIDs {
		ids[id] = struct{}{}
	}
	budgets := make(map[string]*Budget, len(s.Budgets))
	for i := range s.Budgets {
		b := s.Budgets[i]
		budgets[b.CampaignID] = &b
	}
	caps := make(map[string]*CapState, len(s.Caps))
	for i := range s.Caps {
		c := s.Caps[i]
		caps[c.CampaignID] = &c
	}
	ledgerIdx := make(map[string]struct{}, len(s.Ledger))
	for _, entry := range s.Ledger {
		ledgerIdx[ledgerKey(entry.TokenID, entry.FinalStage)] = struct{}{}
	}
	live := s.Live

	e.appliedSeq = s.AppliedSeq
	e.appliedEventIDs = ids
	e.tokens = tokens
	e.tokenOrder = append([]string(nil), s.TokenOrder...)
	e.live = &live
	e.lastWindow = s.LastWindow
	e.budgets = budgets
	e.caps = caps
	e.ledger = append([]LedgerEntry(nil), s.Ledger...)
	e.ledgerIdx = ledgerIdx
}

// persistLocked atomically writes the applied-seq cursor to
// projection_cursor.json. Tokens, aggregates, budgets, ledger and caps
// are not written here; they reach disk only in the periodic snapshot,
// and a restart rebuilds them from that snapshot plus the log tail.
func (e *Engine) persistLocked() error {
	if e.opts.Dir == "" {
		return nil // engine used without persistence (unit tests)
	}
	type cursor struct {
		AppliedSeq int64 `json:"applied_seq"`
	}
	data, err := json.MarshalIndent(cursor{AppliedSeq: e.appliedSeq}, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.AtomicWrite(e.opts.Dir+"/projection_cursor.json", append(data, '\n')); err != nil {
		return err
	}
	return nil
}
