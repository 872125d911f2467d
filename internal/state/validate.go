package state

import (
	"fmt"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// maxSplitProviders bounds the per-job split provider count.
const maxSplitProviders = 1 << 16

// validate checks u against the current state. Caller holds s.mu (read or write).
func (s *State) validate(u types.Update) error {
	if err := u.Check(); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnknownUpdate, u.Type, err)
	}

	switch u.Type {
	case types.UpdateRegisterDataset:
		return s.validateRegisterDataset(u.RegisterDataset)
	case types.UpdateRegisterWorker:
		return s.validateRegisterWorker(u.RegisterWorker)
	case types.UpdateCreateJob:
		return s.validateCreateJob(u.CreateJob)
	case types.UpdateProduceSplit:
		return s.validateProduceSplit(u.ProduceSplit)
	case types.UpdateAcquireJobClient:
		return s.validateAcquireJobClient(u.AcquireJobClient)
	case types.UpdateReleaseJobClient:
		return s.validateReleaseJobClient(u.ReleaseJobClient)
	case types.UpdateGarbageCollectJob:
		if _, ok := s.jobs[u.GarbageCollectJob.JobID]; !ok {
			return invariant(u.Type, "job %d does not exist", u.GarbageCollectJob.JobID)
		}
		return nil
	case types.UpdateRemoveTask:
		if _, ok := s.tasks[u.RemoveTask.TaskID]; !ok {
			return invariant(u.Type, "task %d does not exist or was already removed", u.RemoveTask.TaskID)
		}
		return nil
	case types.UpdateCreatePendingTask:
		p := u.CreatePendingTask
		return s.validateNewTask(u.Type, p.TaskID, p.JobID, p.WorkerAddress)
	case types.UpdateClientHeartbeat:
		return s.validateClientHeartbeat(u.ClientHeartbeat)
	case types.UpdateCreateTask:
		p := u.CreateTask
		return s.validateNewTask(u.Type, p.TaskID, p.JobID, p.WorkerAddress)
	case types.UpdateFinishTask:
		if _, ok := s.tasks[u.FinishTask.TaskID]; !ok {
			return invariant(u.Type, "task %d does not exist", u.FinishTask.TaskID)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownUpdate, u.Type)
}

func (s *State) validateRegisterDataset(u *types.RegisterDatasetUpdate) error {
	if _, ok := s.datasetsByID[u.DatasetID]; ok {
		return invariant(types.UpdateRegisterDataset, "dataset id %d already registered", u.DatasetID)
	}
	if _, ok := s.datasetsByFingerprint[u.Fingerprint]; ok {
		return invariant(types.UpdateRegisterDataset, "dataset fingerprint %d already registered", u.Fingerprint)
	}
	return nil
}

func (s *State) validateRegisterWorker(u *types.RegisterWorkerUpdate) error {
	if u.WorkerAddress == "" {
		return invariant(types.UpdateRegisterWorker, "empty worker address")
	}
	if _, ok := s.workers[u.WorkerAddress]; ok {
		return invariant(types.UpdateRegisterWorker, "worker %s already registered", u.WorkerAddress)
	}
	return nil
}

func (s *State) validateCreateJob(u *types.CreateJobUpdate) error {
	t := types.UpdateCreateJob
	if _, ok := s.jobs[u.JobID]; ok {
		return invariant(t, "job id %d already exists", u.JobID)
	}
	if _, ok := s.datasetsByID[u.DatasetID]; !ok {
		return invariant(t, "dataset id %d does not exist", u.DatasetID)
	}
	if !u.ProcessingMode.Valid() {
		return invariant(t, "unknown processing mode %q", u.ProcessingMode)
	}
	if !u.JobType.Valid() {
		return invariant(t, "unknown job type %q", u.JobType)
	}
	if u.NumSplitProviders < 0 || u.NumSplitProviders > maxSplitProviders {
		return invariant(t, "split provider count %d out of range [0, %d]", u.NumSplitProviders, maxSplitProviders)
	}
	if u.NumConsumers != nil && *u.NumConsumers <= 0 {
		return invariant(t, "consumer count must be positive, got %d", *u.NumConsumers)
	}
	if u.NamedJobKey != nil {
		if existing, ok := s.namedJobs[*u.NamedJobKey]; ok && !existing.GarbageCollected {
			return invariant(t, "named job key %s already bound to job %d", *u.NamedJobKey, existing.ID)
		}
	}
	return nil
}

func (s *State) validateProduceSplit(u *types.ProduceSplitUpdate) error {
	t := types.UpdateProduceSplit
	job, ok := s.jobs[u.JobID]
	if !ok {
		return invariant(t, "job %d does not exist", u.JobID)
	}
	es := job.DistributedEpochState
	if es == nil {
		return invariant(t, "job %d is not a distributed epoch job", u.JobID)
	}
	i := u.SplitProviderIndex
	if i < 0 || i >= int64(len(es.Repetitions)) {
		return invariant(t, "split provider index %d out of range [0, %d)", i, len(es.Repetitions))
	}
	if u.Repetition != es.Repetitions[i] {
		return invariant(t, "stale repetition %d for provider %d, current is %d", u.Repetition, i, es.Repetitions[i])
	}
	return nil
}

func (s *State) validateAcquireJobClient(u *types.AcquireJobClientUpdate) error {
	t := types.UpdateAcquireJobClient
	if job, ok := s.jobsForClientIDs[u.JobClientID]; ok {
		return invariant(t, "job client %d already bound to job %d", u.JobClientID, job.ID)
	}
	if _, ok := s.jobs[u.JobID]; !ok {
		return invariant(t, "job %d does not exist", u.JobID)
	}
	return nil
}

func (s *State) validateReleaseJobClient(u *types.ReleaseJobClientUpdate) error {
	t := types.UpdateReleaseJobClient
	job, ok := s.jobsForClientIDs[u.JobClientID]
	if !ok {
		return invariant(t, "job client %d is not bound", u.JobClientID)
	}
	if job.NumClients <= 0 {
		return invariant(t, "job %d has no live clients", job.ID)
	}
	return nil
}

func (s *State) validateNewTask(t types.UpdateType, taskID, jobID int64, workerAddress string) error {
	if _, ok := s.tasks[taskID]; ok {
		return invariant(t, "task %d already exists", taskID)
	}
	if _, ok := s.jobs[jobID]; !ok {
		return invariant(t, "job %d does not exist", jobID)
	}
	if _, ok := s.workers[workerAddress]; !ok {
		return invariant(t, "worker %s is not registered", workerAddress)
	}
	return nil
}

func (s *State) validateClientHeartbeat(u *types.ClientHeartbeatUpdate) error {
	t := types.UpdateClientHeartbeat
	job, ok := s.jobsForClientIDs[u.JobClientID]
	if !ok {
		return invariant(t, "job client %d is not bound", u.JobClientID)
	}
	if len(job.PendingTasks) == 0 {
		return invariant(t, "job %d has no pending tasks", job.ID)
	}
	if job.NumConsumers == nil {
		return invariant(t, "job %d has no consumer count", job.ID)
	}
	return nil
}
