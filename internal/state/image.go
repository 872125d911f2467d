package state

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ============================================================================
// Snapshot & restore
//
// The image holds only primary data; the fingerprint index, worker pool,
// reverse reservation map and per-worker task index are rebuilt on restore:
//   - a worker is available iff no job has it reserved
//   - a task is in its worker's index iff it is not finished
// Two stores that applied the same updates produce byte-identical JSON images.
// ============================================================================

// Snapshot returns a deep copy of the store in canonical form.
func (s *State) Snapshot() types.StateImage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := types.NewStateImage()
	for id, d := range s.datasetsByID {
		c := *d
		img.Datasets[id] = &c
	}
	for addr, w := range s.workers {
		c := *w
		img.Workers[addr] = &c
	}
	for id, job := range s.jobs {
		c := cloneJob(job)
		img.Jobs[id] = &c
	}
	for id, task := range s.tasks {
		c := *task
		img.Tasks[id] = &c
	}
	for jobID, list := range s.tasksByJob {
		ids := make([]int64, 0, len(list))
		for _, task := range list {
			ids = append(ids, task.ID)
		}
		img.TasksByJob[jobID] = ids
	}
	for jobID, workers := range s.workersByJob {
		if len(workers) == 0 {
			continue
		}
		addrs := make([]string, 0, len(workers))
		for _, w := range workers {
			addrs = append(addrs, w.Address)
		}
		img.WorkersByJob[jobID] = addrs
	}
	for clientID, job := range s.jobsForClientIDs {
		img.JobClients[clientID] = job.ID
	}
	for key, job := range s.namedJobs {
		img.NamedJobs = append(img.NamedJobs, types.NamedJobBinding{Key: key, JobID: job.ID})
	}
	sort.Slice(img.NamedJobs, func(i, j int) bool {
		a, b := img.NamedJobs[i].Key, img.NamedJobs[j].Key
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Index < b.Index
	})

	img.NextAvailableDatasetID = s.nextAvailableDatasetID
	img.NextAvailableJobID = s.nextAvailableJobID
	img.NextAvailableJobClientID = s.nextAvailableJobClientID
	img.NextAvailableTaskID = s.nextAvailableTaskID
	return img
}

// Restore replaces the store's contents with img. The image is checked for
// dangling references first; on error the store is unchanged.
func (s *State) Restore(img types.StateImage) error {
	fresh := New()
	if err := fresh.load(img); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.datasetsByID = fresh.datasetsByID
	s.datasetsByFingerprint = fresh.datasetsByFingerprint
	s.workers = fresh.workers
	s.availWorkers = fresh.availWorkers
	s.workersByJob = fresh.workersByJob
	s.jobsByWorker = fresh.jobsByWorker
	s.jobs = fresh.jobs
	s.namedJobs = fresh.namedJobs
	s.jobsForClientIDs = fresh.jobsForClientIDs
	s.tasks = fresh.tasks
	s.tasksByJob = fresh.tasksByJob
	s.tasksByWorker = fresh.tasksByWorker
	s.nextAvailableDatasetID = fresh.nextAvailableDatasetID
	s.nextAvailableJobID = fresh.nextAvailableJobID
	s.nextAvailableJobClientID = fresh.nextAvailableJobClientID
	s.nextAvailableTaskID = fresh.nextAvailableTaskID
	return nil
}

// load populates an unshared, empty store from img.
func (s *State) load(img types.StateImage) error {
	for id, d := range img.Datasets {
		if d == nil || d.ID != id {
			return fmt.Errorf("dataset %d: %w", id, ErrInvariant)
		}
		if _, dup := s.datasetsByFingerprint[d.Fingerprint]; dup {
			return fmt.Errorf("dataset fingerprint %d is not unique: %w", d.Fingerprint, ErrInvariant)
		}
		c := *d
		s.datasetsByID[id] = &c
		s.datasetsByFingerprint[c.Fingerprint] = &c
	}

	for addr, w := range img.Workers {
		if w == nil || w.Address != addr {
			return fmt.Errorf("worker %s: %w", addr, ErrInvariant)
		}
		c := *w
		s.workers[addr] = &c
		s.availWorkers[addr] = &c
		s.tasksByWorker[addr] = make(map[int64]*types.Task)
		s.jobsByWorker[addr] = make(map[int64]*types.Job)
	}

	for id, job := range img.Jobs {
		if job == nil || job.ID != id {
			return fmt.Errorf("job %d: %w", id, ErrInvariant)
		}
		c := cloneJob(job)
		s.jobs[id] = &c
		s.tasksByJob[id] = []*types.Task{}
	}

	for id, task := range img.Tasks {
		if task == nil || task.ID != id {
			return fmt.Errorf("task %d: %w", id, ErrInvariant)
		}
		if _, ok := s.jobs[task.JobID]; !ok {
			return fmt.Errorf("task %d references job %d: %w", id, task.JobID, ErrInvariant)
		}
		byID, ok := s.tasksByWorker[task.WorkerAddress]
		if !ok {
			return fmt.Errorf("task %d references worker %s: %w", id, task.WorkerAddress, ErrInvariant)
		}
		c := *task
		s.tasks[id] = &c
		if !c.Finished {
			byID[id] = &c
		}
	}

	for jobID, ids := range img.TasksByJob {
		if _, ok := s.jobs[jobID]; !ok {
			return fmt.Errorf("task list for job %d: %w", jobID, ErrInvariant)
		}
		list := make([]*types.Task, 0, len(ids))
		for _, id := range ids {
			task, ok := s.tasks[id]
			if !ok || task.JobID != jobID {
				return fmt.Errorf("job %d lists task %d: %w", jobID, id, ErrInvariant)
			}
			list = append(list, task)
		}
		s.tasksByJob[jobID] = list
	}

	for id, job := range s.jobs {
		if err := s.checkLoadedJob(job); err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
	}

	for jobID, addrs := range img.WorkersByJob {
		job, ok := s.jobs[jobID]
		if !ok {
			return fmt.Errorf("reservation for job %d: %w", jobID, ErrInvariant)
		}
		for _, addr := range addrs {
			w, ok := s.availWorkers[addr]
			if !ok {
				return fmt.Errorf("job %d reserves unknown or already reserved worker %s: %w", jobID, addr, ErrInvariant)
			}
			delete(s.availWorkers, addr)
			s.workersByJob[jobID] = append(s.workersByJob[jobID], w)
			s.jobsByWorker[addr][jobID] = job
		}
	}

	for clientID, jobID := range img.JobClients {
		job, ok := s.jobs[jobID]
		if !ok {
			return fmt.Errorf("job client %d references job %d: %w", clientID, jobID, ErrInvariant)
		}
		s.jobsForClientIDs[clientID] = job
	}

	for _, b := range img.NamedJobs {
		job, ok := s.jobs[b.JobID]
		if !ok {
			return fmt.Errorf("named job key %s references job %d: %w", b.Key, b.JobID, ErrInvariant)
		}
		s.namedJobs[b.Key] = job
	}

	s.nextAvailableDatasetID = img.NextAvailableDatasetID
	s.nextAvailableJobID = img.NextAvailableJobID
	s.nextAvailableJobClientID = img.NextAvailableJobClientID
	s.nextAvailableTaskID = img.NextAvailableTaskID
	return nil
}

// checkLoadedJob verifies the pending queue and split cursors of a job taken
// from an image. Task lists must already be loaded.
func (s *State) checkLoadedJob(job *types.Job) error {
	active := make(map[int64]bool, len(s.tasksByJob[job.ID]))
	for _, task := range s.tasksByJob[job.ID] {
		active[task.ID] = true
	}
	for _, pt := range job.PendingTasks {
		task, ok := s.tasks[pt.TaskID]
		if !ok {
			return fmt.Errorf("pending task %d does not exist: %w", pt.TaskID, ErrInvariant)
		}
		if task.JobID != job.ID {
			return fmt.Errorf("pending task %d belongs to job %d: %w", pt.TaskID, task.JobID, ErrInvariant)
		}
		if active[pt.TaskID] {
			return fmt.Errorf("pending task %d is also active: %w", pt.TaskID, ErrInvariant)
		}
	}

	if job.NumSplitProviders < 0 || job.NumSplitProviders > maxSplitProviders {
		return fmt.Errorf("split provider count %d out of range: %w", job.NumSplitProviders, ErrInvariant)
	}
	es := job.DistributedEpochState
	if (es != nil) != (job.ProcessingMode == types.ProcessingModeDistributedEpoch) {
		return fmt.Errorf("distributed epoch state does not match processing mode %s: %w", job.ProcessingMode, ErrInvariant)
	}
	if es != nil && (int64(len(es.Repetitions)) != job.NumSplitProviders || int64(len(es.Indices)) != job.NumSplitProviders) {
		return fmt.Errorf("split cursors have %d repetitions and %d indices for %d providers: %w",
			len(es.Repetitions), len(es.Indices), job.NumSplitProviders, ErrInvariant)
	}
	return nil
}
