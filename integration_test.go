package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/command"
	"github.com/crystalford/flyback/engine"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// seedRegistry writes a minimal one-publisher, one-campaign, one-
// creative catalog under dataDir/registry, the layout engine.Open
// expects.
func seedRegistry(t *testing.T, dataDir string) {
	t.Helper()
	dir := filepath.Join(dataDir, "registry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
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
}

func openEngine(t *testing.T, dataDir string) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(engine.Options{
		DataDir: dataDir,
		Role:    "writer",
	}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	return eng
}

// TestEndToEndFillIntentPostbackReport exercises the whole command
// surface against a real on-disk event log and projection: a creative
// fill, an intent, a partial postback, a final billable postback, and
// a report reflecting the resolved intent and remaining budget.
func TestEndToEndFillIntentPostbackReport(t *testing.T) {
	dataDir := t.TempDir()
	seedRegistry(t, dataDir)

	eng := openEngine(t, dataDir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Close()

	deps := eng.Deps()

	fill, err := command.Fill(deps, "publisher-demo", "300x250")
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if fill.CampaignID != "campaign-v1" {
		t.Fatalf("fill campaign = %q, want campaign-v1", fill.CampaignID)
	}

	tok, err := command.Intent(deps, fill.CampaignID, fill.PublisherID, fill.CreativeID, "click", 0, 1, "")
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if tok.TokenID == "" {
		t.Fatal("intent returned empty token id")
	}

	if _, err := command.Postback(deps, tok.TokenID, 1, "click", "dwell"); err != nil {
		t.Fatalf("partial postback: %v", err)
	}

	res, err := command.Postback(deps, tok.TokenID, 12.5, "purchase", "purchase")
	if err != nil {
		t.Fatalf("final postback: %v", err)
	}
	if res.Status != "resolved" {
		t.Fatalf("final postback status = %q, want resolved", res.Status)
	}
	if !res.Token.Billable {
		t.Fatal("final postback: expected token to be billable")
	}

	view, err := eng.Report(time.Now().UTC(), "publisher-demo", 10, 0)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(view.Rows) != 1 {
		t.Fatalf("report rows = %d, want 1", len(view.Rows))
	}
	if view.Rows[0].ResolvedIntents != 1 {
		t.Fatalf("report resolved_intents = %d, want 1", view.Rows[0].ResolvedIntents)
	}
}

// TestRestartResumesFromLog reopens the engine against the same data
// directory after a resolved postback and checks the token and budget
// state survive the restart, whether served from a snapshot plus a
// short log tail or a full replay (the snapshot interval is large
// enough that this test's handful of events won't cross it).
func TestRestartResumesFromLog(t *testing.T) {
	dataDir := t.TempDir()
	seedRegistry(t, dataDir)

	eng := openEngine(t, dataDir)
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	deps := eng.Deps()

	fill, err := command.Fill(deps, "publisher-demo", "300x250")
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	tok, err := command.Intent(deps, fill.CampaignID, fill.PublisherID, fill.CreativeID, "click", 0, 1, "")
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if _, err := command.Postback(deps, tok.TokenID, 9, "purchase", "purchase"); err != nil {
		t.Fatalf("postback: %v", err)
	}

	cancel()
	eng.Close()

	reopened := openEngine(t, dataDir)
	defer reopened.Close()

	reloadedTok, ok := reopened.Proj.TokenByID(tok.TokenID)
	if !ok {
		t.Fatalf("token %q not found after restart", tok.TokenID)
	}
	if reloadedTok.Status != "RESOLVED" {
		t.Fatalf("token status after restart = %q, want RESOLVED", reloadedTok.Status)
	}

	snap := reopened.Proj.Snapshot()
	budget, ok := snap.Budgets["campaign-v1"]
	if !ok {
		t.Fatal("campaign-v1 budget missing after restart")
	}
	if budget.Remaining >= budget.Total {
		t.Fatalf("budget.Remaining = %v, want less than Total = %v after a billable resolution", budget.Remaining, budget.Total)
	}
}

// TestSnapshotRoundTrip drives enough resolved postbacks to cross a
// tiny snapshot interval, confirming a reopened engine picks up the
// snapshot file rather than failing to find one.
func TestSnapshotRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	seedRegistry(t, dataDir)

	eng, err := engine.Open(engine.Options{
		DataDir:          dataDir,
		Role:             "writer",
		SnapshotInterval: 2,
	}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	deps := eng.Deps()

	var lastTok string
	for i := 0; i < 3; i++ {
		fill, err := command.Fill(deps, "publisher-demo", "300x250")
		if err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		tok, err := command.Intent(deps, fill.CampaignID, fill.PublisherID, fill.CreativeID, "click", 0, 1, "")
		if err != nil {
			t.Fatalf("intent %d: %v", i, err)
		}
		if _, err := command.Postback(deps, tok.TokenID, 1, "purchase", "purchase"); err != nil {
			t.Fatalf("postback %d: %v", i, err)
		}
		lastTok = tok.TokenID
	}

	cancel()
	eng.Close()

	if _, err := os.Stat(filepath.Join(dataDir, "projection_snapshot.json")); err != nil {
		t.Fatalf("expected a snapshot file after crossing the interval: %v", err)
	}

	reopened, err := engine.Open(engine.Options{DataDir: dataDir, Role: "writer", SnapshotInterval: 2}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer reopened.Close()

	tok, ok := reopened.Proj.TokenByID(lastTok)
	if !ok {
		t.Fatalf("token %q not found after snapshot-backed reopen", lastTok)
	}
	if tok.Status != "RESOLVED" {
		t.Fatalf("token status after snapshot reopen = %q, want RESOLVED", tok.Status)
	}
}
