package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// mustApply applies every update and fails the test on the first error.
func mustApply(t *testing.T, s *State, updates ...types.Update) {
	t.Helper()
	for _, u := range updates {
		require.NoError(t, s.Apply(u), "apply %s", u.Type)
	}
}

// newTestState returns a store with one dataset (id 1) and the given workers.
func newTestState(t *testing.T, workers ...string) *State {
	t.Helper()
	s := New()
	mustApply(t, s, types.NewRegisterDatasetUpdate(1, 1001))
	for _, addr := range workers {
		mustApply(t, s, types.NewRegisterWorkerUpdate(addr, addr+"-transfer"))
	}
	return s
}

func createJob(t *testing.T, s *State, jobID int64) {
	t.Helper()
	mustApply(t, s, types.NewCreateJobUpdate(jobID, 1, types.ProcessingModeParallelEpochs, 0, types.JobTypeCompute))
}

func addresses(workers []types.Worker) []string {
	out := make([]string, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Address)
	}
	return out
}

// ============================================================================
// Queries
// ============================================================================

func TestNewStateIsEmpty(t *testing.T) {
	s := New()

	assert.Empty(t, s.ListWorkers())
	assert.Empty(t, s.ListJobs())
	assert.Equal(t, Stats{}, s.Stats())
	assert.Zero(t, s.NextAvailableDatasetID())
	assert.Zero(t, s.NextAvailableJobID())
	assert.Zero(t, s.NextAvailableJobClientID())
	assert.Zero(t, s.NextAvailableTaskID())
}

func TestQueriesReportNotFound(t *testing.T) {
	s := New()

	_, err := s.DatasetFromID(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.DatasetFromFingerprint(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.WorkerFromAddress("w")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.JobFromID(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.NamedJobByKey(types.NamedJobKey{Name: "n"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListJobsForWorker("w")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.JobForJobClientID(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.TaskFromID(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.TasksForJob(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.TasksForWorker("w")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDatasetDualIndex(t *testing.T) {
	s := newTestState(t)

	byID, err := s.DatasetFromID(1)
	require.NoError(t, err)
	byFP, err := s.DatasetFromFingerprint(1001)
	require.NoError(t, err)
	assert.Equal(t, byID, byFP)

	err = s.Apply(types.NewRegisterDatasetUpdate(2, 1001))
	assert.ErrorIs(t, err, ErrInvariant)
	err = s.Apply(types.NewRegisterDatasetUpdate(1, 2002))
	assert.ErrorIs(t, err, ErrInvariant)

	_, err = s.DatasetFromID(2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.Stats().Datasets)
}

func TestAccessorsReturnCopies(t *testing.T) {
	s := newTestState(t, "w1")
	mustApply(t, s,
		types.NewCreateJobUpdate(1, 1, types.ProcessingModeDistributedEpoch, 2, types.JobTypeCompute).WithNumConsumers(2),
		types.NewCreatePendingTaskUpdate(1, 1, "w1", "w1-transfer", "k", 0),
	)

	job, err := s.JobFromID(1)
	require.NoError(t, err)
	job.DistributedEpochState.Repetitions[0] = 99
	*job.NumConsumers = 7
	job.PendingTasks[0].ReadyConsumers[42] = true

	again, err := s.JobFromID(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.DistributedEpochState.Repetitions[0])
	assert.Equal(t, int64(2), *again.NumConsumers)
	assert.Empty(t, again.PendingTasks[0].ReadyConsumers)
}

func TestListWorkersSorted(t *testing.T) {
	s := newTestState(t, "w3", "w1", "w2")

	assert.Equal(t, []string{"w1", "w2", "w3"}, addresses(s.ListWorkers()))
	assert.Equal(t, []string{"w1", "w2", "w3"}, addresses(s.ListAvailableWorkers()))

	err := s.Apply(types.NewRegisterWorkerUpdate("w1", "other"))
	assert.ErrorIs(t, err, ErrInvariant)
}

// ============================================================================
// Worker reservation
// ============================================================================

func TestReserveWorkersRoundTrip(t *testing.T) {
	s := newTestState(t, "w1", "w2", "w3")
	createJob(t, s, 1)
	mustApply(t, s, types.NewCreateTaskUpdate(1, 1, "w1", "w1-transfer", "k"))

	reserved, err := s.ReserveWorkers(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, addresses(reserved))
	assert.Equal(t, []string{"w3"}, addresses(s.ListAvailableWorkers()))

	jobs, err := s.ListJobsForWorker("w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].ID)

	mustApply(t, s, types.NewFinishTaskUpdate(1))

	assert.Equal(t, []string{"w1", "w2", "w3"}, addresses(s.ListAvailableWorkers()))
	jobs, err = s.ListJobsForWorker("w1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReserveWorkersTargets(t *testing.T) {
	tests := []struct {
		name   string
		target int64
		want   []string
	}{
		{name: "partial", target: 1, want: []string{"w1"}},
		{name: "exact", target: 3, want: []string{"w1", "w2", "w3"}},
		{name: "shortage", target: 10, want: []string{"w1", "w2", "w3"}},
		{name: "zero means all", target: 0, want: []string{"w1", "w2", "w3"}},
		{name: "negative means all", target: -1, want: []string{"w1", "w2", "w3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState(t, "w2", "w3", "w1")
			createJob(t, s, 1)

			reserved, err := s.ReserveWorkers(1, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, addresses(reserved))
			assert.Len(t, s.ListAvailableWorkers(), 3-len(tt.want))
		})
	}
}

func TestReserveWorkersEmptyPool(t *testing.T) {
	s := newTestState(t, "w1")
	createJob(t, s, 1)
	createJob(t, s, 2)

	first, err := s.ReserveWorkers(1, 0)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := s.ReserveWorkers(2, 0)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestReserveWorkersUnknownOrFinishedJob(t *testing.T) {
	s := newTestState(t, "w1")

	_, err := s.ReserveWorkers(9, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	createJob(t, s, 1)
	mustApply(t, s, types.NewGarbageCollectJobUpdate(1))

	reserved, err := s.ReserveWorkers(1, 1)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	assert.Len(t, s.ListAvailableWorkers(), 1)
}

func TestGarbageCollectReleasesWorkers(t *testing.T) {
	s := newTestState(t, "w1", "w2")
	createJob(t, s, 1)

	_, err := s.ReserveWorkers(1, 0)
	require.NoError(t, err)
	assert.Empty(t, s.ListAvailableWorkers())

	mustApply(t, s, types.NewGarbageCollectJobUpdate(1))
	assert.Len(t, s.ListAvailableWorkers(), 2)
}

func TestStats(t *testing.T) {
	s := newTestState(t, "w1", "w2")
	createJob(t, s, 1)
	mustApply(t, s,
		types.NewCreateJobUpdate(2, 1, types.ProcessingModeParallelEpochs, 0, types.JobTypeCompute).WithNumConsumers(2),
		types.NewCreatePendingTaskUpdate(1, 2, "w1", "", "k", 0),
		types.NewCreateTaskUpdate(2, 1, "w2", "", "k"),
		types.NewAcquireJobClientUpdate(5, 2),
		types.NewFinishTaskUpdate(2),
	)
	_, err := s.ReserveWorkers(2, 1)
	require.NoError(t, err)

	assert.Equal(t, Stats{
		Datasets:         1,
		Workers:          2,
		AvailableWorkers: 1,
		Jobs:             2,
		FinishedJobs:     1,
		Tasks:            2,
		PendingTasks:     1,
		JobClients:       1,
	}, s.Stats())
}
