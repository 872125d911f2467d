package state

import (
	"sort"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ============================================================================
// Read accessors
//
// Every accessor returns copies taken under the read lock. Missing keys yield
// an error wrapping ErrNotFound. Lists are sorted so that callers observe a
// deterministic order.
// ============================================================================

// DatasetFromID looks up a dataset by id.
func (s *State) DatasetFromID(id int64) (types.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.datasetsByID[id]
	if !ok {
		return types.Dataset{}, notFound("dataset id %d", id)
	}
	return *d, nil
}

// DatasetFromFingerprint looks up a dataset by content fingerprint.
func (s *State) DatasetFromFingerprint(fingerprint uint64) (types.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.datasetsByFingerprint[fingerprint]
	if !ok {
		return types.Dataset{}, notFound("dataset fingerprint %d", fingerprint)
	}
	return *d, nil
}

// WorkerFromAddress looks up a registered worker.
func (s *State) WorkerFromAddress(address string) (types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[address]
	if !ok {
		return types.Worker{}, notFound("worker with address %s", address)
	}
	return *w, nil
}

// ListWorkers returns every registered worker sorted by address.
func (s *State) ListWorkers() []types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedWorkers(s.workers)
}

// ListAvailableWorkers returns the workers currently in the pool.
func (s *State) ListAvailableWorkers() []types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedWorkers(s.availWorkers)
}

// JobFromID looks up a job by id.
func (s *State) JobFromID(id int64) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, notFound("job id %d", id)
	}
	return cloneJob(job), nil
}

// NamedJobByKey returns the job currently bound to key.
func (s *State) NamedJobByKey(key types.NamedJobKey) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.namedJobs[key]
	if !ok {
		return types.Job{}, notFound("named job key %s", key)
	}
	return cloneJob(job), nil
}

// ListJobs returns every job sorted by id.
func (s *State) ListJobs() []types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedJobs(s.jobs)
}

// ListJobsForWorker returns the jobs the worker is currently reserved for.
func (s *State) ListJobsForWorker(address string) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.workers[address]; !ok {
		return nil, notFound("worker with address %s", address)
	}
	return sortedJobs(s.jobsByWorker[address]), nil
}

// JobForJobClientID returns the job a client is bound to.
func (s *State) JobForJobClientID(jobClientID int64) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobsForClientIDs[jobClientID]
	if !ok {
		return types.Job{}, notFound("job client id %d", jobClientID)
	}
	return cloneJob(job), nil
}

// TaskFromID looks up a task by id. Removed tasks are not found; tasks of a
// garbage-collected job still are.
func (s *State) TaskFromID(id int64) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return types.Task{}, notFound("task %d", id)
	}
	return *task, nil
}

// TasksForJob returns the job's active (non-pending) tasks in the order they
// were created or promoted.
func (s *State) TasksForJob(jobID int64) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, ok := s.tasksByJob[jobID]
	if !ok {
		return nil, notFound("job %d", jobID)
	}
	out := make([]types.Task, 0, len(list))
	for _, task := range list {
		out = append(out, *task)
	}
	return out, nil
}

// TasksForWorker returns the unfinished tasks assigned to a worker, sorted by id.
func (s *State) TasksForWorker(address string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.tasksByWorker[address]
	if !ok {
		return nil, notFound("worker %s", address)
	}
	out := make([]types.Task, 0, len(byID))
	for _, task := range byID {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// Id watermarks
// ============================================================================

// NextAvailableDatasetID returns one past the largest dataset id ever applied.
func (s *State) NextAvailableDatasetID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAvailableDatasetID
}

// NextAvailableJobID returns one past the largest job id ever applied.
func (s *State) NextAvailableJobID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAvailableJobID
}

// NextAvailableJobClientID returns one past the largest job client id ever applied.
func (s *State) NextAvailableJobClientID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAvailableJobClientID
}

// NextAvailableTaskID returns one past the largest task id ever applied.
func (s *State) NextAvailableTaskID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAvailableTaskID
}

// ============================================================================
// Copy helpers
// ============================================================================

func sortedWorkers(m map[string]*types.Worker) []types.Worker {
	out := make([]types.Worker, 0, len(m))
	for _, w := range m {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func sortedJobs(m map[int64]*types.Job) []types.Job {
	out := make([]types.Job, 0, len(m))
	for _, job := range m {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cloneJob deep-copies a job so that callers cannot reach store internals.
func cloneJob(job *types.Job) types.Job {
	c := *job
	if job.NamedJobKey != nil {
		key := *job.NamedJobKey
		c.NamedJobKey = &key
	}
	if job.NumConsumers != nil {
		n := *job.NumConsumers
		c.NumConsumers = &n
	}
	if job.DistributedEpochState != nil {
		c.DistributedEpochState = &types.DistributedEpochState{
			Repetitions: copyInt64s(job.DistributedEpochState.Repetitions),
			Indices:     copyInt64s(job.DistributedEpochState.Indices),
		}
	}
	c.PendingTasks = make([]types.PendingTask, len(job.PendingTasks))
	for i, pt := range job.PendingTasks {
		c.PendingTasks[i] = clonePendingTask(pt)
	}
	return c
}

func clonePendingTask(pt types.PendingTask) types.PendingTask {
	consumers := make(map[int64]bool, len(pt.ReadyConsumers))
	for id := range pt.ReadyConsumers {
		consumers[id] = true
	}
	pt.ReadyConsumers = consumers
	return pt
}

func copyInt64s(in []int64) []int64 {
	out := make([]int64, len(in))
	copy(out, in)
	return out
}
