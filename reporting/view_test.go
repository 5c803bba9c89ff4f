package reporting

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

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
			"allowed_demand_types": []string{"search"},
			"demand_priority":      []string{"search"},
			"rev_share_bps":        7000,
		},
	})
	writeJSON(t, filepath.Join(dir, "campaigns.json"), []map[string]any{
		{
			"campaign_id":   "camp1",
			"publisher_id":  "pub1",
			"advertiser_id": "adv1",
			"creative_id":   "cr1",
			"caps":          map[string]any{"max_outcomes": 10, "max_weighted_value": 0},
			"budget_total":  1000,
		},
	})
	writeJSON(t, filepath.Join(dir, "creatives.json"), []map[string]any{
		{"creative_id": "cr1", "demand_type": "search", "sizes": []string{"300x250"}, "creative_url": "https://example.test/cr1"},
	})
	reg, err := registry.Load(dir, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func TestBuildAggregatesRowsAndLedger(t *testing.T) {
	reg := testRegistry(t)
	now := time.Now().UTC()

	snap := projection.Snapshot{
		Live: projection.Window{
			StartedAt:       now.Add(-time.Minute),
			Impressions:     map[string]int64{"camp1|pub1|cr1": 1000},
			Intents:         map[string]int64{"camp1|pub1|cr1": 10},
			ResolvedIntents: map[string]int64{"camp1|pub1|cr1": 1},
			ResolvedValueSum: map[string]float64{"camp1|pub1|cr1": 5},
		},
		Caps: map[string]projection.CapState{
			"camp1": {CampaignID: "camp1", BillableCount: 1, BillableValueSum: 5},
		},
		Ledger: []projection.LedgerEntry{
			{EntryID: "e1", CampaignID: "camp1", TokenID: "t1", Billable: true, PayoutCents: 350, CreatedAt: now},
		},
	}

	view, err := Build(reg, snap, nil, nil, zerolog.New(io.Discard), "pub1", 10, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(view.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(view.Rows))
	}
	row := view.Rows[0]
	if row.Impressions != 1000 || row.Intents != 10 || row.ResolvedIntents != 1 {
		t.Fatalf("unexpected row counts: %+v", row)
	}
	if row.DerivedValuePer1k != 5 {
		t.Fatalf("expected derived_value_per_1k=5, got %v", row.DerivedValuePer1k)
	}
	if view.Ledger.LifetimeEntryCount != 1 || view.Ledger.LifetimePayoutCents != 350 {
		t.Fatalf("unexpected ledger stats: %+v", view.Ledger)
	}
	if len(view.TopN) != 1 {
		t.Fatalf("expected 1 top ledger entry, got %d", len(view.TopN))
	}
}

func TestBuildUnknownPublisherErrors(t *testing.T) {
	reg := testRegistry(t)
	if _, err := Build(reg, projection.Snapshot{}, nil, nil, zerolog.New(io.Discard), "no-such-publisher", 10, 0); err == nil {
		t.Fatalf("expected error for unknown publisher")
	}
}
