/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       On-disk format for a full projection state snapshot —
              written when the event log crosses its snapshot
              interval, loaded once at startup so a restart replays
              only the log tail after snapshot_seq instead of the
              whole log from genesis.
Root Cause:  projection.Engine durably persists only the applied-seq
              cursor on every batch; without a periodic full-state
              snapshot every restart pays a full replay, which grows
              unbounded with event count.
Context:     Written from eventlog's OnSnapshotDue callback; loaded by
              engine.Open before replay.
Suitability: L2 — file format + atomic write, no business logic.
──────────────────────────────────────────────────────────────
*/

package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/storage"
)

const fileName = "projection_snapshot.json"

// file is the on-disk envelope: the seq it was taken at, plus the
// projection state as of that seq. SnapshotSeq is redundant with
// State.AppliedSeq but kept separate so a loader can sanity-check the
// file without decoding the (potentially large) state payload first
// if that ever becomes necessary.
type file struct {
	SnapshotSeq int64            `json:"snapshot_seq"`
	State       projection.State `json:"state"`
}

// Save atomically writes a full projection snapshot to dir.
func Save(dir string, snapshotSeq int64, state projection.State) error {
	data, err := json.Marshal(file{SnapshotSeq: snapshotSeq, State: state})
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := storage.AtomicWrite(dir+"/"+fileName, data); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return nil
}

// Load reads the latest snapshot from dir. ok is false when no
// snapshot file exists yet (a fresh data dir, or one older than the
// snapshot feature), in which case the caller should replay from
// genesis.
func Load(dir string) (snapshotSeq int64, state projection.State, ok bool, err error) {
	raw, found, err := storage.ReadFile(dir + "/" + fileName)
	if err != nil {
		return 0, projection.State{}, false, fmt.Errorf("snapshot: read: %w", err)
	}
	if !found {
		return 0, projection.State{}, false, nil
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, projection.State{}, false, fmt.Errorf("snapshot: decode: %w", err)
	}
	return f.SnapshotSeq, f.State, true, nil
}
