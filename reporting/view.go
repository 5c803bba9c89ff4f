/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Pure aggregation of a projection snapshot, the registry
             and delivery health into a publisher-scoped report view.
Root Cause:  Report consumers must never be able to mutate live
             engine state; a View is built once from fully detached
             data and handed back as a value, never a pointer into
             engine memory.
Context:     Consumed by GET /v1/reports; optionally includes the
             last-N selection decisions when requested.
Suitability: L2 — read-only aggregation, no invariants to enforce.
──────────────────────────────────────────────────────────────
*/

package reporting

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/schema"
	"github.com/crystalford/flyback/selection"
)

// Row is one (campaign, publisher, creative) aggregate line.
type Row struct {
	CampaignID         string  `json:"campaign_id"`
	PublisherID        string  `json:"publisher_id"`
	CreativeID         string  `json:"creative_id"`
	Impressions        int64   `json:"impressions"`
	Intents            int64   `json:"intents"`
	ResolvedIntents    int64   `json:"resolved_intents"`
	IntentRate         float64 `json:"intent_rate"`
	ResolutionRate     float64 `json:"resolution_rate"`
	DerivedValuePer1k  float64 `json:"derived_value_per_1k"`
}

// CampaignCaps reports a campaign's configured and observed cap usage.
type CampaignCaps struct {
	CampaignID       string  `json:"campaign_id"`
	MaxOutcomes      int64   `json:"max_outcomes"`
	MaxWeightedValue float64 `json:"max_weighted_value"`
	BillableCount    int64   `json:"billable_count"`
	BillableValueSum float64 `json:"billable_value_sum"`
}

// LedgerStats summarizes payout activity for the live window and for
// the lifetime of the log.
type LedgerStats struct {
	WindowPayoutCents   int64 `json:"window_payout_cents"`
	WindowEntryCount    int64 `json:"window_entry_count"`
	LifetimePayoutCents int64 `json:"lifetime_payout_cents"`
	LifetimeEntryCount  int64 `json:"lifetime_entry_count"`
}

// View is the full read-only report for one publisher.
type View struct {
	PublisherID string `json:"publisher_id"`

	SelectionMode      string   `json:"selection_mode"`
	FloorType          string   `json:"floor_type"`
	FloorValuePer1k    float64  `json:"floor_value_per_1k"`
	AllowedDemandTypes []string `json:"allowed_demand_types"`
	DemandPriority     []string `json:"demand_priority"`

	Rows []Row `json:"rows"`

	LastWindowImpressions      map[string]int64   `json:"last_window_impressions"`
	LastWindowRawValuePer1k    map[string]float64 `json:"last_window_raw_value_per_1k"`
	LastWindowWeightedValPer1k map[string]float64 `json:"last_window_weighted_value_per_1k"`
	LastWindowBillable         map[string]int64   `json:"last_window_billable"`
	LastWindowNonBillable      map[string]int64   `json:"last_window_non_billable"`

	Caps []CampaignCaps `json:"caps"`

	Ledger LedgerStats        `json:"ledger"`
	TopN   []projection.LedgerEntry `json:"top_ledger_entries,omitempty"`

	Selections []selection.Decision `json:"selections,omitempty"`

	Delivery delivery.Health `json:"delivery"`
}

// Build assembles a View for publisherID. Callers must call
// engine.EnsureFreshWindow before taking snap, per spec §4.E — a
// stale live window must never back a report. topN bounds the ledger
// top-entries list; includeSelections controls whether the last-N
// selection decisions are attached (the wire contract's
// include_selections query flag).
func Build(
	reg *registry.Registry,
	snap projection.Snapshot,
	sel *selection.Engine,
	del *delivery.Pump,
	logger zerolog.Logger,
	publisherID string,
	topN int,
	includeSelections int,
) (View, error) {
	pub, ok := reg.Publisher(publisherID)
	if !ok {
		return View{}, errUnknownPublisher(publisherID)
	}

	campaigns := reg.CampaignsForPublisher(publisherID)

	v := View{
		PublisherID:        publisherID,
		SelectionMode:      pub.SelectionMode,
		FloorType:          pub.FloorType,
		FloorValuePer1k:    pub.FloorValuePer1k,
		AllowedDemandTypes: pub.AllowedDemandTypes,
		DemandPriority:     pub.DemandPriority,

		LastWindowImpressions:      map[string]int64{},
		LastWindowRawValuePer1k:    map[string]float64{},
		LastWindowWeightedValPer1k: map[string]float64{},
		LastWindowBillable:         map[string]int64{},
		LastWindowNonBillable:      map[string]int64{},
	}

	for _, c := range campaigns {
		key := scopeKey(c.CampaignID, publisherID, c.CreativeID)

		row := Row{
			CampaignID:      c.CampaignID,
			PublisherID:     publisherID,
			CreativeID:      c.CreativeID,
			Impressions:     snap.Live.Impressions[key],
			Intents:         snap.Live.Intents[key],
			ResolvedIntents: snap.Live.ResolvedIntents[key],
		}
		if row.Impressions > 0 {
			row.IntentRate = float64(row.Intents) / float64(row.Impressions)
		}
		if row.Intents > 0 {
			row.ResolutionRate = float64(row.ResolvedIntents) / float64(row.Intents)
		}
		if row.Impressions > 0 {
			row.DerivedValuePer1k = snap.Live.ResolvedValueSum[key] / float64(row.Impressions) * 1000
		}
		v.Rows = append(v.Rows, row)

		cs := snap.Caps[c.CampaignID]
		v.Caps = append(v.Caps, CampaignCaps{
			CampaignID:       c.CampaignID,
			MaxOutcomes:      c.Caps.MaxOutcomes,
			MaxWeightedValue: c.Caps.MaxWeightedValue,
			BillableCount:    cs.BillableCount,
			BillableValueSum: cs.BillableValueSum,
		})

		if snap.LastWindow != nil {
			impressions := snap.LastWindow.Impressions[key]
			v.LastWindowImpressions[key] = impressions
			if impressions > 0 {
				v.LastWindowRawValuePer1k[key] = snap.LastWindow.ResolvedValueSum[key] / float64(impressions) * 1000
				v.LastWindowWeightedValPer1k[key] = snap.LastWindow.WeightedResolvedValSum[key] / float64(impressions) * 1000
			}
			v.LastWindowBillable[key] = snap.LastWindow.BillableResolutions[key]
			v.LastWindowNonBillable[key] = snap.LastWindow.NonBillableResolutions[key]
		}
	}

	campaignOwned := make(map[string]bool, len(campaigns))
	for _, c := range campaigns {
		campaignOwned[c.CampaignID] = true
	}

	windowStart := snap.Live.StartedAt
	var billable []projection.LedgerEntry
	for _, e := range snap.Ledger {
		if !campaignOwned[e.CampaignID] {
			continue
		}
		v.Ledger.LifetimeEntryCount++
		v.Ledger.LifetimePayoutCents += e.PayoutCents
		if !e.CreatedAt.Before(windowStart) {
			v.Ledger.WindowEntryCount++
			v.Ledger.WindowPayoutCents += e.PayoutCents
		}
		if e.Billable {
			billable = append(billable, e)
		}
	}
	sort.SliceStable(billable, func(i, j int) bool { return billable[i].PayoutCents > billable[j].PayoutCents })
	if topN > 0 && len(billable) > topN {
		billable = billable[:topN]
	}
	v.TopN = billable

	if includeSelections > 0 && sel != nil {
		all := sel.Decisions(1000)
		var forPublisher []selection.Decision
		for _, d := range all {
			if d.PublisherID == publisherID {
				forPublisher = append(forPublisher, d)
				if len(forPublisher) >= includeSelections {
					break
				}
			}
		}
		v.Selections = forPublisher
	}

	if del != nil {
		v.Delivery = del.Health()
	}

	if err := schema.ValidateJSON(reportViewSchema, v); err != nil {
		logger.Warn().Err(err).Str("publisher_id", publisherID).Msg("report view failed non-fatal schema check")
	}

	return v, nil
}

func scopeKey(campaignID, publisherID, creativeID string) string {
	return campaignID + "|" + publisherID + "|" + creativeID
}

type unknownPublisherError struct{ publisherID string }

func (e *unknownPublisherError) Error() string { return "reporting: unknown publisher " + e.publisherID }

func errUnknownPublisher(id string) error { return &unknownPublisherError{publisherID: id} }

// reportViewSchema is a loose non-fatal shape check (spec §4.B: report
// view emission validates but never blocks on failure).
var reportViewSchema = &schema.Schema{
	Type:                 "object",
	Required:             []string{"publisher_id", "rows"},
	AdditionalProperties: true,
	Properties: map[string]*schema.Schema{
		"publisher_id": {Type: "string"},
		"rows":         {Type: "array"},
	},
}
