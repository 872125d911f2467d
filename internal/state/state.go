// ============================================================================
// Dispatcher State - authoritative control-plane state machine
// ============================================================================
//
// Package: internal/state
// File: state.go
// Purpose: In-memory store of datasets, workers, jobs and tasks plus the indices
//          that relate them. Mutated only through Apply (and ReserveWorkers).
//
// Data layout:
//   The store is the sole owner of every entity. Entities reference each other
//   by id (task -> job id, binding -> job id) and the indices below hold
//   pointers into the primary maps.
//
//   datasetsByID / datasetsByFingerprint  dual index, always the same set
//   workers                               registry, append-only
//   availWorkers                          pool of unreserved workers
//   workersByJob / jobsByWorker           reservations, disjoint from the pool
//   jobs / namedJobs / jobsForClientIDs   job lookups
//   tasks / tasksByJob / tasksByWorker    three views over the same tasks
//
// Concurrency:
//   One sync.RWMutex guards everything. Apply, ReserveWorkers and Restore take
//   the write lock, accessors the read lock. Nothing blocks under the lock.
//
// ============================================================================

package state

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

var log = slog.Default()

// State is the dispatcher's in-memory store.
type State struct {
	mu sync.RWMutex

	datasetsByID          map[int64]*types.Dataset
	datasetsByFingerprint map[uint64]*types.Dataset

	workers      map[string]*types.Worker
	availWorkers map[string]*types.Worker
	workersByJob map[int64][]*types.Worker
	jobsByWorker map[string]map[int64]*types.Job

	jobs             map[int64]*types.Job
	namedJobs        map[types.NamedJobKey]*types.Job
	jobsForClientIDs map[int64]*types.Job

	tasks         map[int64]*types.Task
	tasksByJob    map[int64][]*types.Task
	tasksByWorker map[string]map[int64]*types.Task

	nextAvailableDatasetID   int64
	nextAvailableJobID       int64
	nextAvailableJobClientID int64
	nextAvailableTaskID      int64
}

// New returns an empty store.
func New() *State {
	s := &State{}
	s.reset()
	return s
}

// reset clears every map. Caller holds the write lock (or owns s exclusively).
func (s *State) reset() {
	s.datasetsByID = make(map[int64]*types.Dataset)
	s.datasetsByFingerprint = make(map[uint64]*types.Dataset)
	s.workers = make(map[string]*types.Worker)
	s.availWorkers = make(map[string]*types.Worker)
	s.workersByJob = make(map[int64][]*types.Worker)
	s.jobsByWorker = make(map[string]map[int64]*types.Job)
	s.jobs = make(map[int64]*types.Job)
	s.namedJobs = make(map[types.NamedJobKey]*types.Job)
	s.jobsForClientIDs = make(map[int64]*types.Job)
	s.tasks = make(map[int64]*types.Task)
	s.tasksByJob = make(map[int64][]*types.Task)
	s.tasksByWorker = make(map[string]map[int64]*types.Task)
	s.nextAvailableDatasetID = 0
	s.nextAvailableJobID = 0
	s.nextAvailableJobClientID = 0
	s.nextAvailableTaskID = 0
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Datasets         int `json:"datasets"`
	Workers          int `json:"workers"`
	AvailableWorkers int `json:"available_workers"`
	Jobs             int `json:"jobs"`
	FinishedJobs     int `json:"finished_jobs"`
	Tasks            int `json:"tasks"`
	PendingTasks     int `json:"pending_tasks"`
	JobClients       int `json:"job_clients"`
}

// Stats counts entities under the read lock.
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Datasets:         len(s.datasetsByID),
		Workers:          len(s.workers),
		AvailableWorkers: len(s.availWorkers),
		Jobs:             len(s.jobs),
		Tasks:            len(s.tasks),
		JobClients:       len(s.jobsForClientIDs),
	}
	for _, job := range s.jobs {
		if job.Finished {
			st.FinishedJobs++
		}
		st.PendingTasks += len(job.PendingTasks)
	}
	return st
}
