package selection

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()

	writeJSON(t, filepath.Join(dir, "publishers.json"), []map[string]any{
		{
			"publisher_id":         "pub1",
			"selection_mode":       "raw",
			"floor_type":           "raw",
			"floor_value_per_1k":   0,
			"allowed_demand_types": []string{"search", "display"},
			"demand_priority":      []string{"search", "display"},
			"rev_share_bps":        7000,
		},
	})
	writeJSON(t, filepath.Join(dir, "campaigns.json"), []map[string]any{
		{
			"campaign_id":    "camp1",
			"publisher_id":   "pub1",
			"advertiser_id":  "adv1",
			"creative_id":    "cr1",
			"outcome_weights": map[string]float64{},
			"caps":           map[string]any{"max_outcomes": 100, "max_weighted_value": 0},
			"budget_total":   1000,
		},
		{
			"campaign_id":    "camp2",
			"publisher_id":   "pub1",
			"advertiser_id":  "adv1",
			"creative_id":    "cr2",
			"outcome_weights": map[string]float64{},
			"caps":           map[string]any{"max_outcomes": 1, "max_weighted_value": 0},
			"budget_total":   1000,
		},
	})
	writeJSON(t, filepath.Join(dir, "creatives.json"), []map[string]any{
		{"creative_id": "cr1", "demand_type": "search", "sizes": []string{"300x250"}, "creative_url": "https://example.test/cr1"},
		{"creative_id": "cr2", "demand_type": "search", "sizes": []string{"300x250"}, "creative_url": "https://example.test/cr2"},
	})

	reg, err := registry.Load(dir, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func emptySnapshot() projection.Snapshot {
	return projection.Snapshot{
		Live: projection.Window{}, // nil maps read as zero values
		Budgets: map[string]projection.Budget{
			"camp1": {CampaignID: "camp1", Total: 1000, Remaining: 1000},
			"camp2": {CampaignID: "camp2", Total: 1000, Remaining: 1000},
		},
		Caps: map[string]projection.CapState{
			"camp1": {CampaignID: "camp1"},
			"camp2": {CampaignID: "camp2"},
		},
	}
}

func TestSelectPicksEligibleCandidate(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	res, err := e.Select("pub1", "300x250", emptySnapshot())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.CreativeID == "" || res.CampaignID == "" {
		t.Fatalf("expected a chosen candidate, got %+v", res)
	}
}

func TestSelectExcludesExhaustedBudget(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	snap := emptySnapshot()
	snap.Budgets["camp1"] = projection.Budget{CampaignID: "camp1", Total: 1000, Remaining: 0}

	res, err := e.Select("pub1", "300x250", snap)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.CampaignID != "camp2" {
		t.Fatalf("expected camp2 (camp1 budget exhausted), got %s", res.CampaignID)
	}
}

func TestSelectExcludesExhaustedCap(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	snap := emptySnapshot()
	snap.Caps["camp2"] = projection.CapState{CampaignID: "camp2", BillableCount: 1}

	res, err := e.Select("pub1", "300x250", snap)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.CampaignID != "camp1" {
		t.Fatalf("expected camp1 (camp2 cap exhausted), got %s", res.CampaignID)
	}
}

func TestSelectFallsBackWhenAllExhausted(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	snap := emptySnapshot()
	snap.Budgets["camp1"] = projection.Budget{CampaignID: "camp1", Total: 1000, Remaining: 0}
	snap.Caps["camp2"] = projection.CapState{CampaignID: "camp2", BillableCount: 1}

	res, err := e.Select("pub1", "300x250", snap)
	if err != nil {
		t.Fatalf("expected fallback to still choose a candidate, got error: %v", err)
	}
	if res.CreativeID == "" {
		t.Fatalf("expected fallback candidate, got empty result")
	}
}

func TestSelectUnknownPublisherErrors(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	if _, err := e.Select("no-such-publisher", "300x250", emptySnapshot()); err == nil {
		t.Fatalf("expected error for unknown publisher")
	}
}

func TestSelectNoSizeMatchErrors(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	if _, err := e.Select("pub1", "160x600", emptySnapshot()); err == nil {
		t.Fatalf("expected error when no creative supports the requested size")
	}
}

func TestDecisionsRecordsHistory(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, zerolog.New(io.Discard))

	if _, err := e.Select("pub1", "300x250", emptySnapshot()); err != nil {
		t.Fatalf("select: %v", err)
	}
	decisions := e.Decisions(10)
	if len(decisions) != 1 {
		t.Fatalf("expected 1 recorded decision, got %d", len(decisions))
	}
	if decisions[0].Chosen == nil {
		t.Fatalf("expected decision to record a chosen candidate")
	}
}
