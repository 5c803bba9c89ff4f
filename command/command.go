/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       The three ingestion commands (fill, intent, postback),
             each a validate-then-append-then-project sequence over
             the event log and projection engine.
Root Cause:  HTTP handlers must never touch the log or projection
             directly — every mutation goes through one of these so
             validation, idempotence and write-disabled checks are
             enforced in exactly one place.
Context:     Depends on eventlog.Log, projection.Engine, registry.
             Registry and selection.Engine; owns no state of its own.
Suitability: L3 — straightforward branching over well-defined cases.
──────────────────────────────────────────────────────────────
*/

package command

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/middleware"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/selection"
)

// finalStages are the postback stages that finalize a token.
var finalStages = map[string]bool{"resolved": true, "purchase": true, "final": true}

// Deps wires the components a command needs. Role gates every
// mutating command: "replica" refuses with write_disabled.
type Deps struct {
	Log    *eventlog.Log
	Proj   *projection.Engine
	Reg    *registry.Registry
	Sel    *selection.Engine
	Role   string // "writer" | "replica"
	Logger zerolog.Logger
	Now    func() time.Time

	// EnsureFreshWindow is called before building a selection view
	// (spec §4.E: a stale live window must never back a read view).
	// Wired by the composing engine package; nil is a no-op, used in
	// tests that construct Deps directly.
	EnsureFreshWindow func(now time.Time) error

	// TokenLocks serializes Postback calls for the same token_id, so
	// two concurrent requests for the same final stage can't both pass
	// the idempotence check before either append lands. Nil is treated
	// as unlocked, which is fine for single-goroutine tests.
	TokenLocks *middleware.KeyedMutex
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d Deps) writable() error {
	if d.Role == "replica" {
		return ErrWriteDisabled
	}
	return nil
}

// FillResult is the wire response for a fill command.
type FillResult struct {
	CreativeURL string
	CampaignID  string
	PublisherID string
	CreativeID  string
	Size        string
	MetricUsed  string
}

// Fill picks a creative for publisherID/size and records an impression.
func Fill(d Deps, publisherID, size string) (FillResult, error) {
	if err := d.writable(); err != nil {
		return FillResult{}, err
	}
	if publisherID == "" {
		return FillResult{}, reject("invalid_publisher_id", "publisher_id is required")
	}
	if size == "" {
		size = "300x250"
	}
	if _, ok := d.Reg.Publisher(publisherID); !ok {
		return FillResult{}, reject("invalid_publisher_id", fmt.Sprintf("unknown publisher %q", publisherID))
	}

	if d.EnsureFreshWindow != nil {
		if err := d.EnsureFreshWindow(d.now()); err != nil {
			return FillResult{}, fmt.Errorf("fill: ensure fresh window: %w", err)
		}
	}

	snap := d.Proj.Snapshot()
	res, err := d.Sel.Select(publisherID, size, snap)
	if err != nil {
		d.Logger.Warn().Err(err).Str("publisher_id", publisherID).Str("size", size).
			Msg("invariant.violation: selection found no usable candidate")
		return FillResult{}, reject("publisher_campaigns_missing", err.Error())
	}

	creative, _ := d.Reg.Creative(res.CreativeID)
	_, err = d.Log.AppendBatch([]eventlog.Entry{
		{
			Type: eventlog.TypeImpressionRecorded,
			Payload: map[string]any{
				"campaign_id":  res.CampaignID,
				"publisher_id": publisherID,
				"creative_id":  res.CreativeID,
			},
		},
	})
	if err != nil && err != eventlog.ErrDuplicate {
		return FillResult{}, fmt.Errorf("fill: append impression: %w", err)
	}
	if err == nil {
		if err := d.projectTail(); err != nil {
			return FillResult{}, err
		}
	}

	return FillResult{
		CreativeURL: creative.CreativeURL,
		CampaignID:  res.CampaignID,
		PublisherID: publisherID,
		CreativeID:  res.CreativeID,
		Size:        size,
		MetricUsed:  res.Chosen.MetricUsed,
	}, nil
}

// Intent creates an Intent Event Token for a (campaign, publisher,
// creative) triple.
func Intent(d Deps, campaignID, publisherID, creativeID, intentType string, dwellSeconds float64, interactionCount int64, parentIntentID string) (projection.Token, error) {
	if err := d.writable(); err != nil {
		return projection.Token{}, err
	}
	if campaignID == "" || publisherID == "" || creativeID == "" {
		return projection.Token{}, reject("invalid_scope", "campaign_id, publisher_id and creative_id are required")
	}
	if !d.Reg.PublisherOwnsCampaign(publisherID, campaignID) {
		return projection.Token{}, reject("campaign_publisher_mismatch", fmt.Sprintf("publisher %q does not own campaign %q", publisherID, campaignID))
	}
	if !d.Reg.CampaignOwnsCreative(campaignID, creativeID) {
		return projection.Token{}, reject("campaign_creative_mismatch", fmt.Sprintf("campaign %q does not own creative %q", campaignID, creativeID))
	}
	campaign, _ := d.Reg.Campaign(campaignID)
	if campaign.AdvertiserID == "" {
		return projection.Token{}, reject("campaign_advertiser_missing", fmt.Sprintf("campaign %q has no advertiser", campaignID))
	}

	tokenID := uuid.NewString()
	events, err := d.Log.AppendBatch([]eventlog.Entry{
		{
			Type: eventlog.TypeIntentCreated,
			Payload: map[string]any{
				"token_id":           tokenID,
				"campaign_id":        campaignID,
				"publisher_id":       publisherID,
				"creative_id":        creativeID,
				"intent_type":        intentType,
				"dwell_seconds":      dwellSeconds,
				"interaction_count":  interactionCount,
				"parent_intent_id":   parentIntentID,
			},
		},
	})
	if err != nil {
		return projection.Token{}, fmt.Errorf("intent: append: %w", err)
	}
	if err := d.Proj.ApplyBatch(events, "intent"); err != nil {
		return projection.Token{}, fmt.Errorf("intent: project: %w", err)
	}

	tok, ok := d.Proj.TokenByID(tokenID)
	if !ok {
		return projection.Token{}, fmt.Errorf("intent: token %q missing after projection", tokenID)
	}
	return tok, nil
}

// PostbackResult is the wire response for a postback command.
type PostbackResult struct {
	Token  projection.Token
	Status string // "resolved" | "partial" | "already_resolved" | "already_expired"
}

// Postback resolves (fully or partially) an existing token.
func Postback(d Deps, tokenID string, value float64, stage, outcomeType string) (PostbackResult, error) {
	if tokenID == "" {
		return PostbackResult{}, reject("invalid_token_id", "token_id is required")
	}
	if stage == "" {
		stage = "resolved"
	}

	if d.TokenLocks != nil {
		unlock := d.TokenLocks.Lock(tokenID)
		defer unlock()
	}

	tok, ok := d.Proj.TokenByID(tokenID)
	if !ok {
		return PostbackResult{}, reject("token_not_found", fmt.Sprintf("no token %q", tokenID))
	}
	if tok.Scope.CampaignID == "" || tok.Scope.PublisherID == "" || tok.Scope.CreativeID == "" {
		return PostbackResult{}, reject("invalid_scope", "token scope is malformed")
	}

	now := d.now()
	if tok.EffectiveStatus(now) == projection.TokenExpired {
		return PostbackResult{Token: tok, Status: "already_expired"}, reject("already_expired", "token has expired")
	}

	isFinal := finalStages[stage]

	// A repeated partial stage on a resolved token is still recorded in
	// history; any other repeated stage is a no-op.
	repeat := tok.HasStage(stage)
	if repeat && (isFinal || tok.Status != projection.TokenResolved) {
		return PostbackResult{Token: tok, Status: "already_resolved"}, nil
	}

	if tok.Status == projection.TokenResolved {
		d.Logger.Info().Str("token_id", tokenID).Str("stage", stage).Bool("is_final", isFinal).
			Msg("postback.out_of_order: stage recorded after token already resolved")
	}

	if err := d.writable(); err != nil {
		return PostbackResult{}, err
	}

	campaign, _ := d.Reg.Campaign(tok.Scope.CampaignID)

	if !isFinal {
		events, err := d.Log.AppendBatch([]eventlog.Entry{
			{
				Type: eventlog.TypeResolutionPartial,
				Payload: map[string]any{
					"token_id":     tokenID,
					"value":        value,
					"stage":        stage,
					"outcome_type": outcomeType,
				},
			},
		})
		if err != nil {
			return PostbackResult{}, fmt.Errorf("postback: append partial: %w", err)
		}
		if err := d.Proj.ApplyBatch(events, "postback.partial"); err != nil {
			return PostbackResult{}, fmt.Errorf("postback: project partial: %w", err)
		}
		updated, _ := d.Proj.TokenByID(tokenID)
		if repeat {
			return PostbackResult{Token: updated, Status: "already_resolved"}, nil
		}
		return PostbackResult{Token: updated, Status: "partial"}, nil
	}

	weighted := value * campaign.OutcomeWeight(outcomeType)
	snap := d.Proj.Snapshot()
	cap := snap.Caps[tok.Scope.CampaignID]
	billable := true
	if campaign.Caps.MaxOutcomes > 0 && cap.BillableCount+1 > campaign.Caps.MaxOutcomes {
		billable = false
	}
	if campaign.Caps.MaxWeightedValue > 0 && cap.BillableValueSum+weighted > campaign.Caps.MaxWeightedValue {
		billable = false
	}

	entries := []eventlog.Entry{
		{
			Type: eventlog.TypeResolutionFinal,
			Payload: map[string]any{
				"token_id":       tokenID,
				"value":          value,
				"weighted_value": weighted,
				"stage":          stage,
				"outcome_type":   outcomeType,
				"billable":       billable,
			},
		},
	}
	if billable {
		entries = append(entries,
			eventlog.Entry{
				Type: eventlog.TypeBudgetDecrement,
				Payload: map[string]any{
					"campaign_id": tok.Scope.CampaignID,
					"amount":      value,
				},
			},
			eventlog.Entry{
				Type: eventlog.TypeLedgerAppend,
				Payload: map[string]any{
					"entry_id":      uuid.NewString(),
					"token_id":      tokenID,
					"campaign_id":   tok.Scope.CampaignID,
					"advertiser_id": campaign.AdvertiserID,
					"publisher_id":  tok.Scope.PublisherID,
					"creative_id":   tok.Scope.CreativeID,
					"window_id":     d.Proj.WindowStartedAt().Format(time.RFC3339),
					"outcome_type":  outcomeType,
					"raw_value":     value,
					"weighted_value": weighted,
					"billable":      billable,
					"payout_cents":  payoutCents(value, campaign.RevShareBps(mustPublisher(d.Reg, tok.Scope.PublisherID))),
					"rev_share_bps": campaign.RevShareBps(mustPublisher(d.Reg, tok.Scope.PublisherID)),
					"final_stage":   stage,
				},
			},
		)
	}

	events, err := d.Log.AppendBatch(entries)
	if err != nil {
		return PostbackResult{}, fmt.Errorf("postback: append final: %w", err)
	}
	if err := d.Proj.ApplyBatch(events, "postback.final"); err != nil {
		return PostbackResult{}, fmt.Errorf("postback: project final: %w", err)
	}

	updated, _ := d.Proj.TokenByID(tokenID)
	return PostbackResult{Token: updated, Status: "resolved"}, nil
}

// projectTail applies any events appended since the projection last
// caught up; used after fire-and-forget appends (fill) that do not
// themselves need the resulting token/state back.
func (d Deps) projectTail() error {
	var pending []eventlog.Event
	if err := d.Log.ScanFrom(d.Proj.AppliedSeq(), func(ev eventlog.Event) (bool, error) {
		pending = append(pending, ev)
		return true, nil
	}); err != nil {
		return fmt.Errorf("project tail: scan: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	return d.Proj.ApplyBatch(pending, "fill")
}

func payoutCents(raw float64, bps int64) int64 {
	return int64(math.Round(raw * 100 * float64(bps) / 10000))
}

func mustPublisher(reg *registry.Registry, id string) registry.Publisher {
	p, _ := reg.Publisher(id)
	return p
}
