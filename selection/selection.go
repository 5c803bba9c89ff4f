/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Deterministic, side-effect-free creative selection:
             candidate build → budget/cap/demand-type filters → floor
             → priority/exhaustion/metric sort → fallback chain →
             bounded decision ring → raw/weighted divergence guardrail.
Root Cause:  Fill requests must pick exactly one creative per
             (publisher, size) without mutating any state — selection
             is a pure read over the projection snapshot and registry.
Context:     Consumed by command.Fill; never appends events itself.
Suitability: L3 — deterministic scoring with several edge cases.
──────────────────────────────────────────────────────────────
*/

package selection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
)

// Engine selects a creative candidate for a (publisher, size) fill.
type Engine struct {
	reg    *registry.Registry
	logger zerolog.Logger
	ring   *Ring

	mu         sync.Mutex
	divergence map[string]int // publisherID -> consecutive divergent selections
}

// NewEngine constructs a selection Engine.
func NewEngine(reg *registry.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		reg:        reg,
		logger:     logger.With().Str("component", "selection").Logger(),
		ring:       NewRing(1000),
		divergence: make(map[string]int),
	}
}

// Decisions returns the last n recorded selection decisions, newest
// first.
func (e *Engine) Decisions(n int) []Decision {
	return e.ring.Last(n)
}

// cand is a candidate annotated with its aggregate scope key, used
// internally while scoring. It embeds the public Candidate so
// annotated lists can be exposed via Decision.Candidates directly.
type cand struct {
	Candidate
	key string
}

func containsStr(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func supportsSize(sizes []string, size string) bool {
	return containsStr(sizes, size)
}

func capExhausted(cap registry.Caps, state projection.CapState) bool {
	if cap.MaxOutcomes > 0 && state.BillableCount >= cap.MaxOutcomes {
		return true
	}
	if cap.MaxWeightedValue > 0 && state.BillableValueSum >= cap.MaxWeightedValue {
		return true
	}
	return false
}

func nearBudgetExhaustion(b projection.Budget) bool {
	if b.Total <= 0 {
		return false
	}
	return b.Remaining/b.Total <= 0.20
}

func nearCapExhaustion(cap registry.Caps, state projection.CapState) bool {
	if capExhausted(cap, state) {
		return false
	}
	countRatio, valueRatio := 0.0, 0.0
	if cap.MaxOutcomes > 0 {
		countRatio = float64(state.BillableCount) / float64(cap.MaxOutcomes)
	}
	if cap.MaxWeightedValue > 0 {
		valueRatio = state.BillableValueSum / cap.MaxWeightedValue
	}
	ratio := countRatio
	if valueRatio > ratio {
		ratio = valueRatio
	}
	return ratio >= 0.80
}

func derivedValuePer1k(valueSum float64, impressions int64) float64 {
	if impressions == 0 {
		return 0
	}
	return valueSum / float64(impressions) * 1000
}

func priorityIndex(priority []string, demandType string) int {
	for i, d := range priority {
		if d == demandType {
			return i
		}
	}
	return len(priority) // unranked demand types sort last
}

// candidateMetrics computes metric_used/metric_value for a scope key
// under the publisher's selection mode (spec §4.G step 4).
func candidateMetrics(mode string, key string, snap projection.Snapshot) (string, float64) {
	impressions := snap.Live.Impressions[key]
	rawSum := snap.Live.ResolvedValueSum[key]
	weightedSum, hasWeighted := snap.Live.WeightedResolvedValSum[key]

	raw := derivedValuePer1k(rawSum, impressions)
	weighted := derivedValuePer1k(weightedSum, impressions)

	if mode == "weighted" {
		if hasWeighted {
			return "weighted", weighted
		}
		return "raw_fallback", raw
	}
	return "raw", raw
}

func scopeKey(campaignID, publisherID, creativeID string) string {
	return campaignID + "|" + publisherID + "|" + creativeID
}

func budgetCapOK(reg *registry.Registry, snap projection.Snapshot, campaignID string) bool {
	c, _ := reg.Campaign(campaignID)
	b := snap.Budgets[campaignID]
	if b.Total > 0 && b.Remaining <= 0 {
		return false
	}
	cs := snap.Caps[campaignID]
	return !capExhausted(c.Caps, cs)
}

func annotate(reg *registry.Registry, pub registry.Publisher, snap projection.Snapshot, list []cand) []cand {
	out := make([]cand, len(list))
	for i, c := range list {
		campaign, _ := reg.Campaign(c.CampaignID)
		b := snap.Budgets[c.CampaignID]
		cs := snap.Caps[c.CampaignID]
		metricUsed, metricValue := candidateMetrics(pub.SelectionMode, c.key, snap)
		c.MetricUsed = metricUsed
		c.MetricValue = metricValue
		c.NearBudgetExhaustion = nearBudgetExhaustion(b)
		c.NearCapExhaustion = nearCapExhaustion(campaign.Caps, cs)
		out[i] = c
	}
	return out
}

func sortCands(pub registry.Publisher, list []cand) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		pi, pj := priorityIndex(pub.DemandPriority, a.DemandType), priorityIndex(pub.DemandPriority, b.DemandType)
		if pi != pj {
			return pi < pj
		}
		if a.NearBudgetExhaustion != b.NearBudgetExhaustion {
			return !a.NearBudgetExhaustion
		}
		if a.NearCapExhaustion != b.NearCapExhaustion {
			return !a.NearCapExhaustion
		}
		if a.MetricValue != b.MetricValue {
			return a.MetricValue > b.MetricValue
		}
		if a.CampaignID != b.CampaignID {
			return a.CampaignID < b.CampaignID
		}
		return a.CreativeID < b.CreativeID
	})
}

// Select implements spec §4.G for a (publisherID, size) fill request.
func (e *Engine) Select(publisherID, size string, snap projection.Snapshot) (Result, error) {
	pub, ok := e.reg.Publisher(publisherID)
	if !ok {
		return Result{}, fmt.Errorf("unknown publisher %q", publisherID)
	}

	var allForSize []cand
	for _, c := range e.reg.CampaignsForPublisher(publisherID) {
		creative, ok := e.reg.Creative(c.CreativeID)
		if !ok || !supportsSize(creative.Sizes, size) {
			continue
		}
		if creative.DemandType == "" {
			continue
		}
		allForSize = append(allForSize, cand{
			Candidate: Candidate{CampaignID: c.CampaignID, CreativeID: c.CreativeID, DemandType: creative.DemandType},
			key:       scopeKey(c.CampaignID, publisherID, c.CreativeID),
		})
	}

	var step2 []cand
	for _, c := range allForSize {
		if budgetCapOK(e.reg, snap, c.CampaignID) {
			step2 = append(step2, c)
		}
	}

	var step3 []cand
	for _, c := range step2 {
		if containsStr(pub.AllowedDemandTypes, c.DemandType) {
			step3 = append(step3, c)
		}
	}

	eligible0 := annotate(e.reg, pub, snap, step3)

	floorPassed := func(c cand) bool {
		if pub.FloorValuePer1k <= 0 {
			return true
		}
		mode := "raw"
		if pub.FloorType == "weighted" {
			mode = "weighted"
		}
		_, metric := candidateMetrics(mode, c.key, snap)
		return metric >= pub.FloorValuePer1k
	}

	var floored []cand
	for _, c := range eligible0 {
		if floorPassed(c) {
			floored = append(floored, c)
		}
	}
	if len(floored) == 0 {
		floored = eligible0
	}
	sortCands(pub, floored)

	var chosenList []cand
	switch {
	case len(floored) > 0:
		chosenList = floored
	case len(step2) > 0:
		chosenList = annotate(e.reg, pub, snap, step2)
		sortCands(pub, chosenList)
	case len(allForSize) > 0:
		chosenList = annotate(e.reg, pub, snap, allForSize)
		sort.SliceStable(chosenList, func(i, j int) bool {
			if chosenList[i].CampaignID != chosenList[j].CampaignID {
				return chosenList[i].CampaignID < chosenList[j].CampaignID
			}
			return chosenList[i].CreativeID < chosenList[j].CreativeID
		})
	default:
		return Result{}, fmt.Errorf("no eligible candidates for publisher %q size %q", publisherID, size)
	}

	chosen := chosenList[0].Candidate
	decision := Decision{
		At:          time.Now().UTC(),
		PublisherID: publisherID,
		Size:        size,
		MetricUsed:  chosen.MetricUsed,
	}
	for _, c := range chosenList {
		decision.Candidates = append(decision.Candidates, c.Candidate)
	}
	chosenCopy := chosen
	decision.Chosen = &chosenCopy
	e.ring.Push(decision)

	if pub.SelectionMode == "weighted" {
		e.trackDivergence(publisherID, chosenList, snap)
	}

	return Result{Chosen: chosen, CreativeID: chosen.CreativeID, CampaignID: chosen.CampaignID}, nil
}

// trackDivergence implements step 9's guardrail: when weighted-top and
// raw-top disagree, count consecutive divergent selections per
// publisher (one count per Select call, not per aggregate window) and
// warn once two in a row exceed 30% divergence.
func (e *Engine) trackDivergence(publisherID string, scored []cand, snap projection.Snapshot) {
	if len(scored) == 0 {
		return
	}
	weightedTop := scored[0]
	rawMetric := func(c cand) float64 {
		_, v := candidateMetrics("raw", c.key, snap)
		return v
	}

	rawSorted := append([]cand(nil), scored...)
	sort.SliceStable(rawSorted, func(i, j int) bool {
		return rawMetric(rawSorted[i]) > rawMetric(rawSorted[j])
	})
	rawTop := rawSorted[0]

	if weightedTop.CreativeID == rawTop.CreativeID && weightedTop.CampaignID == rawTop.CampaignID {
		e.resetDivergence(publisherID)
		return
	}

	w, r := weightedTop.MetricValue, rawMetric(rawTop)
	denom := r
	if denom < 0 {
		denom = -denom
	}
	if denom < 1 {
		denom = 1
	}
	divergence := (w - r) / denom
	if divergence < 0 {
		divergence = -divergence
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if divergence >= 0.30 {
		e.divergence[publisherID]++
		if e.divergence[publisherID] >= 2 {
			e.logger.Warn().
				Str("publisher_id", publisherID).
				Float64("divergence", divergence).
				Int("consecutive_windows", e.divergence[publisherID]).
				Msg("raw/weighted selection divergence guardrail triggered")
		}
	} else {
		e.divergence[publisherID] = 0
	}
}

func (e *Engine) resetDivergence(publisherID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.divergence[publisherID] = 0
}
