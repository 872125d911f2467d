package state

import (
	"sort"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ReserveWorkers moves up to target workers from the available pool to the
// job and returns the workers it moved. A target <= 0, or one larger than the
// pool, reserves every available worker. Shortage is not an error: the job
// simply gets fewer workers. Workers are taken in ascending address order.
//
// This is the only read-side operation that mutates the store; it runs under
// the same write lock as Apply so two jobs can never reserve the same worker.
// Workers go back to the pool when the job finishes; a job that has already
// finished reserves nothing.
func (s *State) ReserveWorkers(jobID int64, target int64) ([]types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, notFound("job id %d", jobID)
	}
	if job.Finished {
		return []types.Worker{}, nil
	}

	n := int64(len(s.availWorkers))
	if target > 0 && target < n {
		n = target
	}

	addrs := make([]string, 0, len(s.availWorkers))
	for addr := range s.availWorkers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	reserved := make([]types.Worker, 0, n)
	for _, addr := range addrs[:n] {
		w := s.availWorkers[addr]
		delete(s.availWorkers, addr)
		s.workersByJob[jobID] = append(s.workersByJob[jobID], w)
		s.jobsForWorker(addr)[jobID] = job
		reserved = append(reserved, *w)
	}
	return reserved, nil
}

// releaseWorkers returns every worker reserved for jobID to the pool.
func (s *State) releaseWorkers(jobID int64) {
	for _, w := range s.workersByJob[jobID] {
		s.availWorkers[w.Address] = w
		delete(s.jobsForWorker(w.Address), jobID)
	}
	delete(s.workersByJob, jobID)
}

func (s *State) jobsForWorker(address string) map[int64]*types.Job {
	m, ok := s.jobsByWorker[address]
	if !ok {
		m = make(map[int64]*types.Job)
		s.jobsByWorker[address] = m
	}
	return m
}
