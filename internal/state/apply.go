package state

import (
	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ============================================================================
// Update reducer
//
// Apply is the only mutation path besides ReserveWorkers. Each update is
// validated in full before anything is touched, so a rejected update leaves the
// store exactly as it was. Apply performs no I/O and never blocks.
//
// Job lifecycle:
//   CREATED -> tasks pending/active -> finished (all tasks finished)
//   any state -> finished + garbage collected (GARBAGE_COLLECT_JOB)
//   There is no way back out of finished.
// ============================================================================

// Apply validates u against the current state and applies it.
//
// Errors:
//   - ErrUnknownUpdate: type tag unset or payload missing
//   - *InvariantError (errors.Is ErrInvariant): u is inconsistent with the state
func (s *State) Apply(u types.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(u); err != nil {
		return err
	}
	s.apply(u)
	return nil
}

// Validate reports whether Apply(u) would succeed, without mutating anything.
// Writers use it to reject an update before journaling it.
func (s *State) Validate(u types.Update) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validate(u)
}

func (s *State) apply(u types.Update) {
	switch u.Type {
	case types.UpdateRegisterDataset:
		s.registerDataset(u.RegisterDataset)
	case types.UpdateRegisterWorker:
		s.registerWorker(u.RegisterWorker)
	case types.UpdateCreateJob:
		s.createJob(u.CreateJob)
	case types.UpdateProduceSplit:
		s.produceSplit(u.ProduceSplit)
	case types.UpdateAcquireJobClient:
		s.acquireJobClient(u.AcquireJobClient)
	case types.UpdateReleaseJobClient:
		s.releaseJobClient(u.ReleaseJobClient)
	case types.UpdateGarbageCollectJob:
		s.garbageCollectJob(u.GarbageCollectJob)
	case types.UpdateRemoveTask:
		s.removeTask(u.RemoveTask)
	case types.UpdateCreatePendingTask:
		s.createPendingTask(u.CreatePendingTask)
	case types.UpdateClientHeartbeat:
		s.clientHeartbeat(u.ClientHeartbeat)
	case types.UpdateCreateTask:
		s.createTask(u.CreateTask)
	case types.UpdateFinishTask:
		s.finishTask(u.FinishTask)
	}
}

func (s *State) registerDataset(u *types.RegisterDatasetUpdate) {
	d := &types.Dataset{ID: u.DatasetID, Fingerprint: u.Fingerprint}
	s.datasetsByID[d.ID] = d
	s.datasetsByFingerprint[d.Fingerprint] = d
	s.nextAvailableDatasetID = max(s.nextAvailableDatasetID, d.ID+1)
}

func (s *State) registerWorker(u *types.RegisterWorkerUpdate) {
	w := &types.Worker{Address: u.WorkerAddress, TransferAddress: u.TransferAddress}
	s.workers[w.Address] = w
	s.availWorkers[w.Address] = w
	s.tasksByWorker[w.Address] = make(map[int64]*types.Task)
	s.jobsByWorker[w.Address] = make(map[int64]*types.Job)
}

func (s *State) createJob(u *types.CreateJobUpdate) {
	job := &types.Job{
		ID:                u.JobID,
		DatasetID:         u.DatasetID,
		ProcessingMode:    u.ProcessingMode,
		NumSplitProviders: u.NumSplitProviders,
		JobType:           u.JobType,
		PendingTasks:      []types.PendingTask{},
	}
	if u.NamedJobKey != nil {
		key := *u.NamedJobKey
		job.NamedJobKey = &key
	}
	if u.NumConsumers != nil {
		n := *u.NumConsumers
		job.NumConsumers = &n
	}
	if u.ProcessingMode == types.ProcessingModeDistributedEpoch {
		job.DistributedEpochState = types.NewDistributedEpochState(u.NumSplitProviders)
	}

	s.jobs[job.ID] = job
	s.tasksByJob[job.ID] = []*types.Task{}
	if job.NamedJobKey != nil {
		s.namedJobs[*job.NamedJobKey] = job
	}
	s.nextAvailableJobID = max(s.nextAvailableJobID, job.ID+1)
}

func (s *State) produceSplit(u *types.ProduceSplitUpdate) {
	es := s.jobs[u.JobID].DistributedEpochState
	i := u.SplitProviderIndex
	if u.Finished {
		es.Repetitions[i]++
		es.Indices[i] = 0
		return
	}
	es.Indices[i]++
}

func (s *State) acquireJobClient(u *types.AcquireJobClientUpdate) {
	job := s.jobs[u.JobID]
	s.jobsForClientIDs[u.JobClientID] = job
	job.NumClients++
	s.nextAvailableJobClientID = max(s.nextAvailableJobClientID, u.JobClientID+1)
}

func (s *State) releaseJobClient(u *types.ReleaseJobClientUpdate) {
	job := s.jobsForClientIDs[u.JobClientID]
	job.NumClients--
	job.LastClientReleasedMicros = u.TimeMicros
	delete(s.jobsForClientIDs, u.JobClientID)
}

// garbageCollectJob finishes every active task of the job and detaches it from
// its worker, but keeps it in the global task map so history stays queryable.
// Pending tasks are left alone.
func (s *State) garbageCollectJob(u *types.GarbageCollectJobUpdate) {
	for _, task := range s.tasksByJob[u.JobID] {
		task.Finished = true
		delete(s.tasksByWorker[task.WorkerAddress], task.ID)
	}
	job := s.jobs[u.JobID]
	job.Finished = true
	job.GarbageCollected = true
	s.releaseWorkers(job.ID)
}

// removeTask erases the task from every index, including the pending queue.
func (s *State) removeTask(u *types.RemoveTaskUpdate) {
	task := s.tasks[u.TaskID]
	task.Removed = true

	list := s.tasksByJob[task.JobID]
	for i, t := range list {
		if t.ID == task.ID {
			s.tasksByJob[task.JobID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	job := s.jobs[task.JobID]
	for i, pt := range job.PendingTasks {
		if pt.TaskID == task.ID {
			job.PendingTasks = append(job.PendingTasks[:i:i], job.PendingTasks[i+1:]...)
			break
		}
	}
	delete(s.tasksByWorker[task.WorkerAddress], task.ID)
	delete(s.tasks, task.ID)
}

func (s *State) createPendingTask(u *types.CreatePendingTaskUpdate) {
	task := &types.Task{
		ID:              u.TaskID,
		JobID:           u.JobID,
		WorkerAddress:   u.WorkerAddress,
		TransferAddress: u.TransferAddress,
		DatasetKey:      u.DatasetKey,
		StartingRound:   u.StartingRound,
	}
	s.tasks[task.ID] = task
	job := s.jobs[u.JobID]
	job.PendingTasks = append(job.PendingTasks, types.PendingTask{
		TaskID:         task.ID,
		ReadyConsumers: make(map[int64]bool),
		TargetRound:    u.StartingRound,
	})
	s.tasksByWorker[task.WorkerAddress][task.ID] = task
	s.nextAvailableTaskID = max(s.nextAvailableTaskID, task.ID+1)
}

// clientHeartbeat works on the head of the client's job pending queue. A
// rejection restarts quorum collection at the new round; an acceptance that
// completes the quorum promotes the task to active.
func (s *State) clientHeartbeat(u *types.ClientHeartbeatUpdate) {
	job := s.jobsForClientIDs[u.JobClientID]
	head := &job.PendingTasks[0]

	if u.TaskRejected != nil {
		head.Failures++
		head.ReadyConsumers = make(map[int64]bool)
		head.TargetRound = u.TaskRejected.NewTargetRound
	}
	if !u.TaskAccepted {
		return
	}

	head.ReadyConsumers[u.JobClientID] = true
	if int64(len(head.ReadyConsumers)) != *job.NumConsumers {
		return
	}
	task := s.tasks[head.TaskID]
	task.StartingRound = head.TargetRound
	s.tasksByJob[job.ID] = append(s.tasksByJob[job.ID], task)
	job.PendingTasks = job.PendingTasks[1:]
	log.Debug("Promoted pending task", "taskID", task.ID, "jobID", job.ID, "round", task.StartingRound)
}

func (s *State) createTask(u *types.CreateTaskUpdate) {
	task := &types.Task{
		ID:              u.TaskID,
		JobID:           u.JobID,
		WorkerAddress:   u.WorkerAddress,
		TransferAddress: u.TransferAddress,
		DatasetKey:      u.DatasetKey,
	}
	s.tasks[task.ID] = task
	s.tasksByJob[task.JobID] = append(s.tasksByJob[task.JobID], task)
	s.tasksByWorker[task.WorkerAddress][task.ID] = task
	s.nextAvailableTaskID = max(s.nextAvailableTaskID, task.ID+1)
}

// finishTask marks the task finished and, once every active task of the job
// is finished, finishes the job and returns its workers to the pool.
func (s *State) finishTask(u *types.FinishTaskUpdate) {
	task := s.tasks[u.TaskID]
	task.Finished = true
	delete(s.tasksByWorker[task.WorkerAddress], task.ID)

	job := s.jobs[task.JobID]
	if job.Finished {
		return
	}
	for _, t := range s.tasksByJob[job.ID] {
		if !t.Finished {
			return
		}
	}
	job.Finished = true
	log.Debug("Job finished, releasing workers", "jobID", job.ID, "workers", len(s.workersByJob[job.ID]))
	s.releaseWorkers(job.ID)
}
