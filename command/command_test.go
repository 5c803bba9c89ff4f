package command

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/selection"
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

// testDeps seeds the exact S1 scenario registry from the spec's
// testable-properties section.
func testDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "publishers.json"), []map[string]any{
		{
			"publisher_id":         "publisher-demo",
			"selection_mode":       "raw",
			"floor_type":           "raw",
			"allowed_demand_types": []string{"search"},
			"demand_priority":      []string{"search"},
			"rev_share_bps":        7000,
		},
	})
	writeJSON(t, filepath.Join(dir, "campaigns.json"), []map[string]any{
		{
			"campaign_id":     "campaign-v1",
			"publisher_id":    "publisher-demo",
			"advertiser_id":   "advertiser-demo",
			"creative_id":     "creative-v1",
			"outcome_weights": map[string]float64{"purchase": 10},
			"caps":            map[string]any{"max_outcomes": 10, "max_weighted_value": 200},
			"budget_total":    120,
		},
	})
	writeJSON(t, filepath.Join(dir, "creatives.json"), []map[string]any{
		{"creative_id": "creative-v1", "demand_type": "search", "sizes": []string{"300x250"}, "creative_url": "https://example.test/creative-v1"},
	})

	reg, err := registry.Load(dir, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	logDir := t.TempDir()
	log, err := eventlog.Open(eventlog.Options{Dir: logDir, AllowTruncation: true, AllowStateRepair: true}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	proj := projection.NewEngine(projection.Options{}, zerolog.New(io.Discard))
	sel := selection.NewEngine(reg, zerolog.New(io.Discard))

	return Deps{
		Log:    log,
		Proj:   proj,
		Reg:    reg,
		Sel:    sel,
		Role:   "writer",
		Logger: zerolog.New(io.Discard),
	}
}

func seedBudget(t *testing.T, d Deps, campaignID string, total float64) {
	t.Helper()
	d.Proj.SeedBudget(campaignID, total)
}

func TestS1IntentAndFinalPurchase(t *testing.T) {
	d := testDeps(t)
	seedBudget(t, d, "campaign-v1", 120)

	tok, err := Intent(d, "campaign-v1", "publisher-demo", "creative-v1", "qualified", 0, 0, "")
	if err != nil {
		t.Fatalf("intent: %v", err)
	}

	res, err := Postback(d, tok.TokenID, 5, "purchase", "purchase")
	if err != nil {
		t.Fatalf("postback: %v", err)
	}
	if res.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", res.Status)
	}
	if res.Token.Status != projection.TokenResolved || !res.Token.Billable {
		t.Fatalf("expected token resolved+billable, got %+v", res.Token)
	}

	snap := d.Proj.Snapshot()
	b := snap.Budgets["campaign-v1"]
	if b.Remaining != 115 {
		t.Fatalf("expected remaining=115, got %v", b.Remaining)
	}
	if len(snap.Ledger) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(snap.Ledger))
	}
	if snap.Ledger[0].PayoutCents != 350 {
		t.Fatalf("expected payout_cents=350, got %d", snap.Ledger[0].PayoutCents)
	}
}

func TestS3OutOfOrderStages(t *testing.T) {
	d := testDeps(t)
	seedBudget(t, d, "campaign-v1", 120)

	tok, err := Intent(d, "campaign-v1", "publisher-demo", "creative-v1", "qualified", 0, 0, "")
	if err != nil {
		t.Fatalf("intent: %v", err)
	}

	if _, err := Postback(d, tok.TokenID, 2, "lead", ""); err != nil {
		t.Fatalf("partial lead: %v", err)
	}
	res, err := Postback(d, tok.TokenID, 10, "purchase", "purchase")
	if err != nil {
		t.Fatalf("final purchase: %v", err)
	}
	if res.Token.Status != projection.TokenResolved {
		t.Fatalf("expected resolved after final, got %s", res.Token.Status)
	}

	res2, err := Postback(d, tok.TokenID, 2, "lead", "")
	if err != nil {
		t.Fatalf("repeat lead: %v", err)
	}
	if res2.Status != "already_resolved" {
		t.Fatalf("expected already_resolved on repeat stage, got %s", res2.Status)
	}

	snap := d.Proj.Snapshot()
	b := snap.Budgets["campaign-v1"]
	if b.Remaining != 110 {
		t.Fatalf("expected budget charged once by 10 (remaining=110), got %v", b.Remaining)
	}
	if len(snap.Ledger) != 1 {
		t.Fatalf("expected exactly 1 ledger entry, got %d", len(snap.Ledger))
	}

	final, _ := d.Proj.TokenByID(tok.TokenID)
	if len(final.History) != 3 {
		t.Fatalf("expected 3 history entries (lead, purchase, lead), got %d", len(final.History))
	}
}

func TestS4Expiry(t *testing.T) {
	d := testDeps(t)
	seedBudget(t, d, "campaign-v1", 120)
	past := time.Now().UTC().Add(-time.Hour)
	d.Now = func() time.Time { return past.Add(31 * 24 * time.Hour) }

	tok, err := Intent(d, "campaign-v1", "publisher-demo", "creative-v1", "qualified", 0, 0, "")
	if err != nil {
		t.Fatalf("intent: %v", err)
	}

	res, err := Postback(d, tok.TokenID, 5, "purchase", "purchase")
	if _, isReject := AsReject(err); !isReject {
		t.Fatalf("expected a reject error for expired token, got %v", err)
	}
	if res.Status != "already_expired" {
		t.Fatalf("expected already_expired, got %s", res.Status)
	}

	snap := d.Proj.Snapshot()
	if len(snap.Ledger) != 0 {
		t.Fatalf("expected no ledger entries for an expired token")
	}
}

func TestS5CapEnforcement(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "publishers.json"), []map[string]any{
		{"publisher_id": "pub1", "selection_mode": "raw", "floor_type": "raw", "allowed_demand_types": []string{"search"}, "demand_priority": []string{"search"}, "rev_share_bps": 5000},
	})
	writeJSON(t, filepath.Join(dir, "campaigns.json"), []map[string]any{
		{"campaign_id": "camp1", "publisher_id": "pub1", "advertiser_id": "adv1", "creative_id": "cr1", "outcome_weights": map[string]float64{"purchase": 1}, "caps": map[string]any{"max_outcomes": 1, "max_weighted_value": 0}, "budget_total": 100},
	})
	writeJSON(t, filepath.Join(dir, "creatives.json"), []map[string]any{
		{"creative_id": "cr1", "demand_type": "search", "sizes": []string{"300x250"}, "creative_url": "https://example.test/cr1"},
	})
	reg, err := registry.Load(dir, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	logDir := t.TempDir()
	log, err := eventlog.Open(eventlog.Options{Dir: logDir, AllowTruncation: true, AllowStateRepair: true}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	proj := projection.NewEngine(projection.Options{}, zerolog.New(io.Discard))
	sel := selection.NewEngine(reg, zerolog.New(io.Discard))
	d := Deps{Log: log, Proj: proj, Reg: reg, Sel: sel, Role: "writer", Logger: zerolog.New(io.Discard)}
	seedBudget(t, d, "camp1", 100)

	tok1, err := Intent(d, "camp1", "pub1", "cr1", "qualified", 0, 0, "")
	if err != nil {
		t.Fatalf("intent1: %v", err)
	}
	res1, err := Postback(d, tok1.TokenID, 5, "purchase", "purchase")
	if err != nil {
		t.Fatalf("postback1: %v", err)
	}
	if !res1.Token.Billable {
		t.Fatalf("expected first final to be billable")
	}

	tok2, err := Intent(d, "camp1", "pub1", "cr1", "qualified", 0, 0, "")
	if err != nil {
		t.Fatalf("intent2: %v", err)
	}
	res2, err := Postback(d, tok2.TokenID, 5, "purchase", "purchase")
	if err != nil {
		t.Fatalf("postback2: %v", err)
	}
	if res2.Token.Billable {
		t.Fatalf("expected second final to be non-billable once cap is exhausted")
	}

	snap := d.Proj.Snapshot()
	if len(snap.Ledger) != 1 {
		t.Fatalf("expected exactly 1 ledger entry, got %d", len(snap.Ledger))
	}
	if snap.Live.NonBillableResolutions["camp1|pub1|cr1"] != 1 {
		t.Fatalf("expected 1 non-billable resolution recorded")
	}
}
