// ============================================================================
// Dispatcher - durable write path and crash recovery for the state store
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Own the store, the journal and the snapshot manager, and keep them
//          consistent with each other.
//
// Write path (Apply):
//   1. Validate the update against the current store (nothing is journaled
//      for a rejected update)
//   2. Append it to the journal and flush
//   3. Apply it to the store
//   A single mutex serializes the three steps so the journal order is the
//   apply order.
//
// Recovery (Start):
//   1. Load the snapshot (empty image on first start) and restore the store
//   2. Replay journal entries after the snapshot's LastSeq
//   3. Start the snapshot loop
//   Any error aborts start: a store that cannot reproduce the journal must not
//   accept new updates.
//
// Snapshots (TakeSnapshot):
//   Image + journal LastSeq are written atomically, then the journal rotates.
//   Worker reservations are not journaled; they survive a restart only through
//   the snapshot image.
//
// Shutdown (Stop):
//   close(stopCh) -> wait for loops -> final snapshot -> close journal.
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/dispatcher-state/internal/journal"
	"github.com/ChuLiYu/dispatcher-state/internal/metrics"
	"github.com/ChuLiYu/dispatcher-state/internal/snapshot"
	"github.com/ChuLiYu/dispatcher-state/internal/state"
	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotStarted is returned by writes issued before recovery finished.
	ErrNotStarted = errors.New("dispatcher: not started")
	// ErrStopped is returned by writes issued after Stop.
	ErrStopped = errors.New("dispatcher: stopped")
)

// Config configures the dispatcher's durable storage.
type Config struct {
	JournalPath      string        // Journal file path
	SnapshotPath     string        // Snapshot file path
	SnapshotInterval time.Duration // Periodic snapshot interval, 0 disables the loop
	SnapshotBackups  int           // Previous snapshots to keep, 0 keeps none
	JournalSync      bool          // fsync the journal on every append
}

// RecoveryStats describes one recovery run.
type RecoveryStats struct {
	SnapshotSeq uint64        `json:"snapshot_seq"`
	Replayed    int           `json:"replayed"`
	LastSeq     uint64        `json:"last_seq"`
	Duration    time.Duration `json:"duration"`
}

// Status is a point-in-time report for operators.
type Status struct {
	Started  bool          `json:"started"`
	Uptime   string        `json:"uptime"`
	LastSeq  uint64        `json:"last_seq"`
	Recovery RecoveryStats `json:"recovery"`
	State    state.Stats   `json:"state"`
}

// Dispatcher serializes writes to the store through the journal.
type Dispatcher struct {
	mu        sync.Mutex
	state     *state.State
	journal   *journal.Journal
	snapshot  *snapshot.Manager
	metrics   *metrics.Collector
	config    Config
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	recovery  RecoveryStats
	loopWg    sync.WaitGroup
}

// New opens the journal and prepares an empty store. m may be nil.
func New(config Config, m *metrics.Collector) (*Dispatcher, error) {
	opts := journal.DefaultOptions()
	opts.SyncOnAppend = config.JournalSync

	j, err := journal.Open(config.JournalPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Dispatcher{
		state:    state.New(),
		journal:  j,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		metrics:  m,
		config:   config,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start recovers the store and starts the snapshot loop. The loop exits when
// ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	d.startTime = time.Now()

	log.Info("Starting recovery...", "snapshot", d.config.SnapshotPath, "journal", d.config.JournalPath)
	stats, err := recoverInto(ctx, d.state, d.snapshot, d.journal.Replay)
	if err != nil {
		return err
	}
	d.journal.AdvanceSeq(stats.LastSeq)
	stats.LastSeq = d.journal.LastSeq()
	d.recovery = stats

	if d.metrics != nil {
		d.metrics.SetRecovery(stats.Duration, stats.Replayed)
	}
	d.refreshGaugesLocked()

	log.Info("Recovery completed",
		"duration", stats.Duration,
		"snapshot_seq", stats.SnapshotSeq,
		"replayed", stats.Replayed,
		"last_seq", stats.LastSeq)

	d.started = true
	if d.config.SnapshotInterval > 0 {
		d.loopWg.Add(1)
		go d.snapshotLoop(ctx)
	}
	return nil
}

// Apply validates u, journals it and applies it to the store. Validation
// failures are returned unchanged and leave both journal and store untouched.
func (d *Dispatcher) Apply(ctx context.Context, u types.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writableLocked(); err != nil {
		return err
	}

	if err := d.state.Validate(u); err != nil {
		if d.metrics != nil {
			d.metrics.RecordRejected(string(u.Type))
		}
		return err
	}

	seq, err := d.journal.Append(u, true)
	if err != nil {
		return fmt.Errorf("failed to journal %s: %w", u.Type, err)
	}

	if err := d.state.Apply(u); err != nil {
		// Unreachable unless Validate and Apply disagree.
		log.Error("Journaled update failed to apply", "seq", seq, "type", u.Type, "error", err)
		return fmt.Errorf("apply journaled update seq=%d: %w", seq, err)
	}

	if d.metrics != nil {
		d.metrics.RecordApplied(string(u.Type))
	}
	d.refreshGaugesLocked()
	log.Debug("Update applied", "seq", seq, "type", u.Type)
	return nil
}

// ReserveWorkers reserves up to target workers for a job. See
// state.State.ReserveWorkers.
func (d *Dispatcher) ReserveWorkers(jobID, target int64) ([]types.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writableLocked(); err != nil {
		return nil, err
	}

	workers, err := d.state.ReserveWorkers(jobID, target)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.RecordReserved(len(workers))
	}
	d.refreshGaugesLocked()
	log.Debug("Workers reserved", "jobID", jobID, "target", target, "reserved", len(workers))
	return workers, nil
}

// State gives read access to the store. Writes must go through Apply.
func (d *Dispatcher) State() *state.State {
	return d.state
}

// TakeSnapshot writes the store image and rotates the journal.
func (d *Dispatcher) TakeSnapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writableLocked(); err != nil {
		return err
	}
	return d.takeSnapshotLocked()
}

// Status reports recovery and store statistics.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Started:  d.started,
		LastSeq:  d.journal.LastSeq(),
		Recovery: d.recovery,
		State:    d.state.Stats(),
	}
	if d.started {
		st.Uptime = time.Since(d.startTime).Round(time.Millisecond).String()
	}
	return st
}

// Stop stops the snapshot loop, takes a final snapshot and closes the
// journal. Calling it more than once is a no-op.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		log.Info("Dispatcher already stopped")
		return
	}
	d.stopped = true
	d.mu.Unlock()

	log.Info("Stopping dispatcher...")

	close(d.stopCh)
	d.loopWg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		if err := d.takeSnapshotLocked(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := d.journal.Close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}

	log.Info("Dispatcher stopped")
}

// ============================================================================
// Internals
// ============================================================================

func (d *Dispatcher) writableLocked() error {
	if d.stopped {
		return ErrStopped
	}
	if !d.started {
		return ErrNotStarted
	}
	return nil
}

func (d *Dispatcher) snapshotLoop(ctx context.Context) {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ctx.Done():
			log.Info("Snapshot loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := d.TakeSnapshot(); err != nil && !errors.Is(err, ErrStopped) {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshotLocked holds d.mu across write and rotate so that no update
// lands between the recorded LastSeq and the fresh journal file.
func (d *Dispatcher) takeSnapshotLocked() error {
	start := time.Now()

	data := types.SnapshotData{
		State:   d.state.Snapshot(),
		LastSeq: d.journal.LastSeq(),
	}

	var err error
	if d.config.SnapshotBackups > 0 {
		err = d.snapshot.WriteWithBackup(data, d.config.SnapshotBackups)
	} else {
		err = d.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := d.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"last_seq", data.LastSeq,
		"jobs", len(data.State.Jobs))
	return nil
}

func (d *Dispatcher) refreshGaugesLocked() {
	if d.metrics == nil {
		return
	}
	st := d.state.Stats()
	d.metrics.UpdateStateStats(st.AvailableWorkers, st.Jobs-st.FinishedJobs, st.PendingTasks, st.JobClients)
}
