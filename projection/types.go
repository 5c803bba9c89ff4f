package projection

import "time"

// TokenStatus is the lifecycle state of an Intent Event Token.
type TokenStatus string

const (
	TokenCreated  TokenStatus = "CREATED"
	TokenPending  TokenStatus = "PENDING"
	TokenResolved TokenStatus = "RESOLVED"
	TokenExpired  TokenStatus = "EXPIRED"
)

// Scope identifies the (campaign, publisher, creative) triple that
// aggregates and caps are keyed by.
type Scope struct {
	CampaignID  string `json:"campaign_id"`
	PublisherID string `json:"publisher_id"`
	CreativeID  string `json:"creative_id"`
}

func (s Scope) key() string {
	return s.CampaignID + "|" + s.PublisherID + "|" + s.CreativeID
}

// ResolutionEvent is one entry in a token's resolution history.
type ResolutionEvent struct {
	Stage         string    `json:"stage"`
	ResolvedAt    time.Time `json:"resolved_at"`
	ResolvedValue float64   `json:"resolved_value"`
	OutcomeType   string    `json:"outcome_type"`
}

// Token is the in-frame user-intent record produced by intent.created.
type Token struct {
	TokenID      string      `json:"token_id"`
	Scope        Scope       `json:"scope"`
	Status       TokenStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	PendingAt    time.Time   `json:"pending_at,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	ResolvedAt   time.Time   `json:"resolved_at,omitempty"`
	ResolvedVal  float64     `json:"resolved_value,omitempty"`
	OutcomeType  string      `json:"outcome_type,omitempty"`
	Billable     bool        `json:"billable"`
	History      []ResolutionEvent `json:"resolution_events"`
	resolvedOnce bool        // internal: write-once guard for final fields
}

// Clone returns a deep copy so callers can never mutate live state.
func (t Token) Clone() Token {
	cp := t
	cp.History = append([]ResolutionEvent(nil), t.History...)
	return cp
}

// EffectiveStatus derives the status a caller should observe at now:
// a token past its expires_at that never reached RESOLVED reads as
// EXPIRED, without mutating the stored status (expiry carries no
// event of its own — it is a pure function of wall-clock time).
func (t Token) EffectiveStatus(now time.Time) TokenStatus {
	if t.Status != TokenResolved && now.After(t.ExpiresAt) {
		return TokenExpired
	}
	return t.Status
}

// HasStage reports whether a resolution event for stage was already
// recorded in history (idempotence key for postback).
func (t Token) HasStage(stage string) bool {
	for _, h := range t.History {
		if h.Stage == stage {
			return true
		}
	}
	return false
}

// Window is a 10-minute wall-clock aggregation bucket.
type Window struct {
	StartedAt time.Time `json:"started_at"`

	Impressions            map[string]int64   `json:"impressions"`
	Intents                map[string]int64   `json:"intents"`
	ResolvedIntents         map[string]int64   `json:"resolved_intents"`
	PartialResolutions      map[string]int64   `json:"partial_resolutions"`
	BillableResolutions     map[string]int64   `json:"billable_resolutions"`
	NonBillableResolutions  map[string]int64   `json:"non_billable_resolutions"`
	ResolvedValueSum        map[string]float64 `json:"resolved_value_sum"`
	WeightedResolvedValSum  map[string]float64 `json:"weighted_resolved_value_sum"`
}

func newWindow(startedAt time.Time) *Window {
	return &Window{
		StartedAt:              startedAt,
		Impressions:            map[string]int64{},
		Intents:                map[string]int64{},
		ResolvedIntents:        map[string]int64{},
		PartialResolutions:     map[string]int64{},
		BillableResolutions:    map[string]int64{},
		NonBillableResolutions: map[string]int64{},
		ResolvedValueSum:       map[string]float64{},
		WeightedResolvedValSum: map[string]float64{},
	}
}

func (w Window) clone() *Window {
	cp := newWindow(w.StartedAt)
	copyInt64Map(cp.Impressions, w.Impressions)
	copyInt64Map(cp.Intents, w.Intents)
	copyInt64Map(cp.ResolvedIntents, w.ResolvedIntents)
	copyInt64Map(cp.PartialResolutions, w.PartialResolutions)
	copyInt64Map(cp.BillableResolutions, w.BillableResolutions)
	copyInt64Map(cp.NonBillableResolutions, w.NonBillableResolutions)
	copyFloatMap(cp.ResolvedValueSum, w.ResolvedValueSum)
	copyFloatMap(cp.WeightedResolvedValSum, w.WeightedResolvedValSum)
	return cp
}

func copyInt64Map(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] = v
	}
}

func copyFloatMap(dst, src map[string]float64) {
	for k, v := range src {
		dst[k] = v
	}
}

// Budget tracks per-campaign remaining spend.
type Budget struct {
	CampaignID string  `json:"campaign_id"`
	Total      float64 `json:"total"`
	Remaining  float64 `json:"remaining"`
}

// CapState is derived bookkeeping for per-campaign billable caps.
type CapState struct {
	CampaignID        string  `json:"campaign_id"`
	BillableCount     int64   `json:"billable_count"`
	BillableValueSum  float64 `json:"billable_value_sum"`
}

// LedgerEntry is one immutable, revenue-bearing ledger line.
type LedgerEntry struct {
	EntryID        string    `json:"entry_id"`
	CreatedAt      time.Time `json:"created_at"`
	TokenID        string    `json:"token_id"`
	CampaignID     string    `json:"campaign_id"`
	AdvertiserID   string    `json:"advertiser_id"`
	PublisherID    string    `json:"publisher_id"`
	CreativeID     string    `json:"creative_id"`
	WindowID       string    `json:"window_id"`
	OutcomeType    string    `json:"outcome_type"`
	RawValue       float64   `json:"raw_value"`
	WeightedValue  float64   `json:"weighted_value"`
	Billable       bool      `json:"billable"`
	PayoutCents    int64     `json:"payout_cents"`
	RevShareBps    int64     `json:"rev_share_bps"`
	FinalStage     string    `json:"final_stage"`
}

func ledgerKey(tokenID, finalStage string) string {
	return tokenID + "|" + finalStage
}
