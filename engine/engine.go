/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Composition root wiring the event log, projection,
             registry, selection and delivery components into one
             facade used by the command surface, HTTP handlers and
             the background delivery pump.
Root Cause:  main.go and httpapi must not reach into eventlog/
             projection/selection internals directly; this is the
             single seam that owns the wiring and the window-
             freshness rule from spec §4.E ("before any read-view is
             computed").
Context:     Constructed once at process start from config; Close
             stops the delivery pump cleanly on shutdown.
Suitability: L3 — orchestration, no novel algorithmic content.
──────────────────────────────────────────────────────────────
*/

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/command"
	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/middleware"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/reporting"
	"github.com/crystalford/flyback/selection"
	"github.com/crystalford/flyback/snapshot"
)

const windowDuration = 10 * time.Minute

// Options configures Open.
type Options struct {
	DataDir string
	Role    string // "writer" | "replica"

	LockTimeout time.Duration
	LockRetry   time.Duration

	SnapshotInterval int64

	Webhook delivery.Options
}

// Engine is the composed, process-wide facade over the event-sourced
// core.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	Log        *eventlog.Log
	Proj       *projection.Engine
	Reg        *registry.Registry
	Sel        *selection.Engine
	Pump       *delivery.Pump
	tokenLocks *middleware.KeyedMutex
}

// Open loads the registry, replays the event log into the projection
// engine, and starts the delivery pump.
func Open(opts Options, logger zerolog.Logger) (*Engine, error) {
	reg, err := registry.Load(opts.DataDir+"/registry", logger)
	if err != nil {
		return nil, fmt.Errorf("engine: load registry: %w", err)
	}

	proj := projection.NewEngine(projection.Options{
		Dir:         opts.DataDir,
		LockTimeout: opts.LockTimeout,
		LockRetry:   opts.LockRetry,
	}, logger)

	// Resume from the latest disk snapshot if one exists, so restart
	// only has to replay the log tail after snapshot_seq rather than
	// the whole log from genesis.
	snapSeq, snapState, haveSnap, err := snapshot.Load(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: load snapshot: %w", err)
	}
	if haveSnap {
		proj.ImportState(snapState)
		logger.Info().Int64("snapshot_seq", snapSeq).Msg("resumed projection from snapshot")
	}

	// SeedBudget no-ops for campaigns the snapshot already tracks, so
	// this only seeds budgets for campaigns added since the snapshot
	// was taken (or on a fresh data dir with no snapshot at all).
	for _, c := range reg.AllCampaigns() {
		proj.SeedBudget(c.CampaignID, c.BudgetTotal)
	}

	logOpts := eventlog.Options{
		Dir:              opts.DataDir,
		LockTimeout:      opts.LockTimeout,
		LockRetry:        opts.LockRetry,
		AllowTruncation:  true,
		AllowStateRepair: true,
		SnapshotInterval: opts.SnapshotInterval,
		OnSnapshotDue: func(int64) error {
			st := proj.ExportState()
			return snapshot.Save(opts.DataDir, st.AppliedSeq, st)
		},
	}
	log, err := eventlog.Open(logOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open event log: %w", err)
	}

	var tail []eventlog.Event
	if err := log.ScanFrom(snapSeq, func(ev eventlog.Event) (bool, error) {
		tail = append(tail, ev)
		return true, nil
	}); err != nil {
		return nil, fmt.Errorf("engine: replay: %w", err)
	}
	if len(tail) > 0 {
		if err := proj.ApplyBatch(tail, "startup_replay"); err != nil {
			return nil, fmt.Errorf("engine: replay apply: %w", err)
		}
	}

	sel := selection.NewEngine(reg, logger)

	pump, err := delivery.New(opts.Webhook, log, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open delivery pump: %w", err)
	}

	return &Engine{
		opts:       opts,
		logger:     logger.With().Str("component", "engine").Logger(),
		Log:        log,
		Proj:       proj,
		Reg:        reg,
		Sel:        sel,
		Pump:       pump,
		tokenLocks: middleware.NewKeyedMutex(),
	}, nil
}

// Start launches background work (the delivery pump's tick loop).
func (e *Engine) Start(ctx context.Context) {
	e.Pump.Start(ctx)
}

// Close stops background work. The event log and projection have no
// open handles beyond their files, so there is nothing else to close.
func (e *Engine) Close() {
	e.Pump.Stop()
}

// Deps returns the command.Deps bundle for the command surface.
func (e *Engine) Deps() command.Deps {
	return command.Deps{
		Log:               e.Log,
		Proj:              e.Proj,
		Reg:               e.Reg,
		Sel:               e.Sel,
		Role:              e.opts.Role,
		Logger:            e.logger,
		EnsureFreshWindow: e.EnsureFreshWindow,
		TokenLocks:        e.tokenLocks,
	}
}

// EnsureFreshWindow appends a window.reset event through the normal
// log -> projection path when the live aggregation window is at
// least 10 minutes old (spec §4.E). It is a no-op otherwise, and must
// be called before any read view (report or selection) is computed.
func (e *Engine) EnsureFreshWindow(now time.Time) error {
	if now.Sub(e.Proj.WindowStartedAt()) < windowDuration {
		return nil
	}
	events, err := e.Log.AppendBatch([]eventlog.Entry{
		{Type: eventlog.TypeWindowReset, Payload: map[string]any{}},
	})
	if err != nil {
		if err == eventlog.ErrDuplicate {
			return nil
		}
		return fmt.Errorf("engine: append window reset: %w", err)
	}
	if err := e.Proj.ApplyBatch(events, "window_reset"); err != nil {
		return fmt.Errorf("engine: project window reset: %w", err)
	}
	return nil
}

// Report builds a publisher-scoped report view, ensuring the live
// window is fresh first.
func (e *Engine) Report(now time.Time, publisherID string, topN, includeSelections int) (reporting.View, error) {
	if err := e.EnsureFreshWindow(now); err != nil {
		return reporting.View{}, err
	}
	snap := e.Proj.Snapshot()
	return reporting.Build(e.Reg, snap, e.Sel, e.Pump, e.logger, publisherID, topN, includeSelections)
}

// DeliveryHealth exposes the pump's status for GET /v1/delivery.
func (e *Engine) DeliveryHealth() delivery.Health {
	return e.Pump.Health()
}
