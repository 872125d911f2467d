package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/dispatcher-state/internal/journal"
	"github.com/ChuLiYu/dispatcher-state/internal/snapshot"
	"github.com/ChuLiYu/dispatcher-state/internal/state"
)

// replayFunc feeds journal entries after a sequence number to a handler.
type replayFunc func(afterSeq uint64, handler journal.EntryHandler) error

// Recover rebuilds a store from the files named in config without opening the
// journal for writing. It is what Start does, minus the write path.
func Recover(ctx context.Context, config Config) (*state.State, RecoveryStats, error) {
	st := state.New()
	replay := func(afterSeq uint64, handler journal.EntryHandler) error {
		return journal.ReplayFile(config.JournalPath, afterSeq, handler)
	}
	stats, err := recoverInto(ctx, st, snapshot.NewManager(config.SnapshotPath), replay)
	if err != nil {
		return nil, stats, err
	}
	return st, stats, nil
}

// recoverInto restores the snapshot into st and replays the journal tail.
// Every replayed update must apply; the first failure aborts recovery.
func recoverInto(ctx context.Context, st *state.State, snap *snapshot.Manager, replay replayFunc) (RecoveryStats, error) {
	start := time.Now()

	data, err := snap.Load()
	if err != nil {
		return RecoveryStats{}, fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := st.Restore(data.State); err != nil {
		return RecoveryStats{}, fmt.Errorf("restore snapshot seq=%d: %w", data.LastSeq, err)
	}
	log.Info("Snapshot loaded",
		"duration", time.Since(start),
		"last_seq", data.LastSeq,
		"jobs", len(data.State.Jobs))

	stats := RecoveryStats{SnapshotSeq: data.LastSeq, LastSeq: data.LastSeq}
	err = replay(data.LastSeq, func(entry journal.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.Apply(entry.Update); err != nil {
			return fmt.Errorf("replay seq=%d %s: %w", entry.Seq, entry.Type, err)
		}
		stats.Replayed++
		stats.LastSeq = entry.Seq
		return nil
	})
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, fmt.Errorf("replayJournal failed: %w", err)
	}

	if stats.Duration > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", stats.Duration)
	}
	return stats, nil
}
