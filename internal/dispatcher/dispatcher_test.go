package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dispatcher-state/internal/journal"
	"github.com/ChuLiYu/dispatcher-state/internal/metrics"
	"github.com/ChuLiYu/dispatcher-state/internal/state"
	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		JournalPath:  filepath.Join(dir, "dispatcher.journal"),
		SnapshotPath: filepath.Join(dir, "dispatcher.snapshot"),
	}
}

// startDispatcher creates and starts a dispatcher; Stop runs at cleanup.
func startDispatcher(t *testing.T, config Config, m *metrics.Collector) *Dispatcher {
	t.Helper()
	d, err := New(config, m)
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	require.NoError(t, d.Start(context.Background()))
	return d
}

func applyAll(t *testing.T, d *Dispatcher, updates ...types.Update) {
	t.Helper()
	for _, u := range updates {
		require.NoError(t, d.Apply(context.Background(), u), "apply %s", u.Type)
	}
}

func bootstrap() []types.Update {
	return []types.Update{
		types.NewRegisterDatasetUpdate(1, 1001),
		types.NewRegisterWorkerUpdate("w1", "t1"),
		types.NewRegisterWorkerUpdate("w2", "t2"),
		types.NewCreateJobUpdate(1, 1, types.ProcessingModeParallelEpochs, 0, types.JobTypeCompute).WithNumConsumers(2),
		types.NewAcquireJobClientUpdate(1, 1),
		types.NewAcquireJobClientUpdate(2, 1),
		types.NewCreatePendingTaskUpdate(1, 1, "w1", "t1", types.DatasetKey(1, 1001, types.JobTypeCompute), 0),
		types.NewClientHeartbeatUpdate(1, true),
	}
}

func imageJSON(t *testing.T, s *state.State) string {
	t.Helper()
	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	return string(data)
}

// ============================================================================
// Write path
// ============================================================================

func TestApplyJournalsThenApplies(t *testing.T) {
	config := testConfig(t)
	d := startDispatcher(t, config, nil)
	applyAll(t, d, bootstrap()...)

	job, err := d.State().JobFromID(1)
	require.NoError(t, err)
	require.Len(t, job.PendingTasks, 1)
	assert.Len(t, job.PendingTasks[0].ReadyConsumers, 1)

	n, err := journal.CountEntries(config.JournalPath)
	require.NoError(t, err)
	assert.Equal(t, len(bootstrap()), n)
	assert.Equal(t, uint64(len(bootstrap())), d.Status().LastSeq)
}

func TestRejectedUpdateIsNotJournaled(t *testing.T) {
	config := testConfig(t)
	d := startDispatcher(t, config, nil)
	applyAll(t, d, bootstrap()...)

	err := d.Apply(context.Background(), types.NewRegisterWorkerUpdate("w1", "again"))
	assert.ErrorIs(t, err, state.ErrInvariant)
	err = d.Apply(context.Background(), types.Update{})
	assert.ErrorIs(t, err, state.ErrUnknownUpdate)

	n, err := journal.CountEntries(config.JournalPath)
	require.NoError(t, err)
	assert.Equal(t, len(bootstrap()), n)
}

func TestApplyRequiresStart(t *testing.T) {
	config := testConfig(t)
	d, err := New(config, nil)
	require.NoError(t, err)
	defer d.Stop()

	err = d.Apply(context.Background(), types.NewRegisterDatasetUpdate(1, 1))
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = d.ReserveWorkers(1, 1)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, d.TakeSnapshot(), ErrNotStarted)
}

func TestApplyHonorsCancelledContext(t *testing.T) {
	d := startDispatcher(t, testConfig(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Apply(ctx, types.NewRegisterDatasetUpdate(1, 1)), context.Canceled)
	assert.Zero(t, d.State().Stats().Datasets)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecoverFromJournalOnly(t *testing.T) {
	config := testConfig(t)
	first, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	applyAll(t, first, bootstrap()...)
	want := imageJSON(t, first.State())
	// Simulate a crash: close the journal without the final snapshot.
	require.NoError(t, first.journal.Close())

	second := startDispatcher(t, config, nil)
	assert.Equal(t, want, imageJSON(t, second.State()))
	assert.Equal(t, len(bootstrap()), second.Status().Recovery.Replayed)
	assert.Zero(t, second.Status().Recovery.SnapshotSeq)
}

func TestRecoverFromSnapshotAndJournalTail(t *testing.T) {
	config := testConfig(t)
	first, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	applyAll(t, first, bootstrap()...)
	_, err = first.ReserveWorkers(1, 1)
	require.NoError(t, err)
	require.NoError(t, first.TakeSnapshot())

	applyAll(t, first, types.NewClientHeartbeatUpdate(2, true))
	want := imageJSON(t, first.State())
	require.NoError(t, first.journal.Close())

	second := startDispatcher(t, config, nil)
	assert.Equal(t, want, imageJSON(t, second.State()))

	status := second.Status()
	assert.Equal(t, uint64(len(bootstrap())), status.Recovery.SnapshotSeq)
	assert.Equal(t, 1, status.Recovery.Replayed)
	assert.Equal(t, uint64(len(bootstrap())+1), status.LastSeq)

	// Reservation came back with the snapshot.
	assert.Equal(t, []string{"w2"}, addresses(second.State().ListAvailableWorkers()))

	// New entries continue the sequence.
	applyAll(t, second, types.NewFinishTaskUpdate(1))
	assert.Equal(t, uint64(len(bootstrap())+2), second.Status().LastSeq)
}

func TestStopThenRestartReplaysNothing(t *testing.T) {
	config := testConfig(t)
	first, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	applyAll(t, first, bootstrap()...)
	want := imageJSON(t, first.State())
	first.Stop()
	first.Stop()

	assert.ErrorIs(t, first.Apply(context.Background(), types.NewRegisterDatasetUpdate(9, 9)), ErrStopped)

	second := startDispatcher(t, config, nil)
	assert.Equal(t, want, imageJSON(t, second.State()))
	assert.Zero(t, second.Status().Recovery.Replayed)
	assert.Equal(t, uint64(len(bootstrap())), second.Status().LastSeq)
}

func TestRecoveryAbortsOnCorruptJournal(t *testing.T) {
	config := testConfig(t)
	require.NoError(t, os.WriteFile(config.JournalPath, []byte("{not json}\n"), 0644))

	_, err := New(config, nil)
	assert.ErrorIs(t, err, journal.ErrCorruptedJournal)
}

func TestRecoveryAbortsOnInconsistentJournal(t *testing.T) {
	config := testConfig(t)
	j, err := journal.Open(config.JournalPath, journal.DefaultOptions())
	require.NoError(t, err)
	_, err = j.Append(types.NewFinishTaskUpdate(7), true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	d, err := New(config, nil)
	require.NoError(t, err)
	defer d.Stop()

	err = d.Start(context.Background())
	assert.ErrorIs(t, err, state.ErrInvariant)
	assert.ErrorIs(t, d.Apply(context.Background(), types.NewRegisterDatasetUpdate(1, 1)), ErrNotStarted)
}

func TestRecoverReadOnly(t *testing.T) {
	config := testConfig(t)
	d := startDispatcher(t, config, nil)
	applyAll(t, d, bootstrap()...)
	want := imageJSON(t, d.State())

	st, stats, err := Recover(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, want, imageJSON(t, st))
	assert.Equal(t, len(bootstrap()), stats.Replayed)
	assert.Equal(t, uint64(len(bootstrap())), stats.LastSeq)
}

func TestSnapshotLoop(t *testing.T) {
	config := testConfig(t)
	config.SnapshotInterval = 20 * time.Millisecond
	config.SnapshotBackups = 1
	d := startDispatcher(t, config, nil)
	applyAll(t, d, bootstrap()...)

	assert.Eventually(t, func() bool {
		n, err := journal.CountEntries(config.JournalPath)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.FileExists(t, config.SnapshotPath)
}

// ============================================================================
// Metrics
// ============================================================================

func TestMetricsFollowWrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := startDispatcher(t, testConfig(t), metrics.NewCollector(reg))
	applyAll(t, d, bootstrap()...)
	assert.Error(t, d.Apply(context.Background(), types.NewRemoveTaskUpdate(42)))

	reserved, err := d.ReserveWorkers(1, 0)
	require.NoError(t, err)
	assert.Len(t, reserved, 2)

	expected := `
# HELP dispatcher_updates_rejected_total Total number of state updates rejected by validation, by update type
# TYPE dispatcher_updates_rejected_total counter
dispatcher_updates_rejected_total{type="REMOVE_TASK"} 1
# HELP dispatcher_workers_available Workers currently in the unreserved pool
# TYPE dispatcher_workers_available gauge
dispatcher_workers_available 0
# HELP dispatcher_workers_reserved_total Total number of workers reserved for jobs
# TYPE dispatcher_workers_reserved_total counter
dispatcher_workers_reserved_total 2
# HELP dispatcher_tasks_pending Tasks waiting for consumer agreement
# TYPE dispatcher_tasks_pending gauge
dispatcher_tasks_pending 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dispatcher_updates_rejected_total",
		"dispatcher_workers_available",
		"dispatcher_workers_reserved_total",
		"dispatcher_tasks_pending"))
}

func addresses(workers []types.Worker) []string {
	out := make([]string, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Address)
	}
	return out
}
