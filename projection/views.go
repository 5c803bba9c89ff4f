package projection

import "time"

// Snapshot is a fully detached, read-only copy of projection state.
// Nothing in it aliases live engine memory — mutating a Snapshot
// can never affect the engine, and the engine never exposes any
// other handle to its containers.
type Snapshot struct {
	AppliedSeq int64
	Tokens     []Token
	Live       Window
	LastWindow *Window
	Budgets    map[string]Budget
	Caps       map[string]CapState
	Ledger     []LedgerEntry
}

// Snapshot acquires the projection read lock and returns a deep copy
// of all owned state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := make([]Token, 0, len(e.tokenOrder))
	for _, id := range e.tokenOrder {
		tokens = append(tokens, e.tokens[id].Clone())
	}

	budgets := make(map[string]Budget, len(e.budgets))
	for k, v := range e.budgets {
		budgets[k] = *v
	}
	caps := make(map[string]CapState, len(e.caps))
	for k, v := range e.caps {
		caps[k] = *v
	}

	var lastWindow *Window
	if e.lastWindow != nil {
		lastWindow = e.lastWindow.clone()
	}

	return Snapshot{
		AppliedSeq: e.appliedSeq,
		Tokens:     tokens,
		Live:       *e.live.clone(),
		LastWindow: lastWindow,
		Budgets:    budgets,
		Caps:       caps,
		Ledger:     append([]LedgerEntry(nil), e.ledger...),
	}
}

// TokenByID returns a cloned token and whether it exists.
func (e *Engine) TokenByID(id string) (Token, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tokens[id]
	if !ok {
		return Token{}, false
	}
	return t.Clone(), true
}

// WindowStartedAt returns the live window's start time.
func (e *Engine) WindowStartedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live.StartedAt
}

// WindowIsStale reports whether the live window is at least
// windowDuration old as of now.
func (e *Engine) WindowIsStale(now time.Time) bool {
	return now.Sub(e.WindowStartedAt()) >= windowDuration
}
