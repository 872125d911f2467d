// Package types defines the domain model shared by the dispatcher state store,
// its journal and its snapshots.
package types

import "fmt"

// ProcessingMode controls how a job's dataset is split across workers.
type ProcessingMode string

const (
	// ProcessingModeParallelEpochs: every worker iterates the full dataset independently.
	ProcessingModeParallelEpochs ProcessingMode = "PARALLEL_EPOCHS"
	// ProcessingModeDistributedEpoch: split providers hand out disjoint splits, one epoch total.
	ProcessingModeDistributedEpoch ProcessingMode = "DISTRIBUTED_EPOCH"
)

// Valid reports whether m is a known processing mode.
func (m ProcessingMode) Valid() bool {
	return m == ProcessingModeParallelEpochs || m == ProcessingModeDistributedEpoch
}

// JobType is the cache variant a job runs as.
type JobType string

const (
	JobTypeCompute JobType = "COMPUTE" // plain compute, no cache involvement
	JobTypeGet     JobType = "GET"     // read from cache
	JobTypePut     JobType = "PUT"     // compute and write to cache
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeCompute, JobTypeGet, JobTypePut:
		return true
	}
	return false
}

// NamedJobKey is the idempotency key of a named job.
type NamedJobKey struct {
	Name  string `json:"name"`
	Index int64  `json:"index"`
}

func (k NamedJobKey) String() string {
	return fmt.Sprintf("(%s, %d)", k.Name, k.Index)
}

// ============================================================================
// Entities
// ============================================================================

// Dataset is immutable once registered.
type Dataset struct {
	ID          int64  `json:"id"`
	Fingerprint uint64 `json:"fingerprint"`
}

// Worker identity. Pool membership is tracked by the store, not on the entity.
type Worker struct {
	Address         string `json:"address"`
	TransferAddress string `json:"transfer_address"`
}

// DistributedEpochState tracks, per split provider, the current repetition and
// the index of the next split within it.
type DistributedEpochState struct {
	Repetitions []int64 `json:"repetitions"`
	Indices     []int64 `json:"indices"`
}

// NewDistributedEpochState returns zeroed cursors for n split providers.
func NewDistributedEpochState(n int64) *DistributedEpochState {
	return &DistributedEpochState{
		Repetitions: make([]int64, n),
		Indices:     make([]int64, n),
	}
}

// PendingTask wraps a task that is waiting for its consumer quorum.
type PendingTask struct {
	TaskID         int64          `json:"task_id"`
	ReadyConsumers map[int64]bool `json:"ready_consumers"` // job client ids that accepted
	Failures       int64          `json:"failures"`
	TargetRound    int64          `json:"target_round"`
}

// Job is one distributed run over a dataset.
type Job struct {
	ID                int64          `json:"id"`
	DatasetID         int64          `json:"dataset_id"`
	ProcessingMode    ProcessingMode `json:"processing_mode"`
	NumSplitProviders int64          `json:"num_split_providers"`
	NamedJobKey       *NamedJobKey   `json:"named_job_key,omitempty"`
	NumConsumers      *int64         `json:"num_consumers,omitempty"`
	JobType           JobType        `json:"job_type"`

	Finished                 bool  `json:"finished"`
	GarbageCollected         bool  `json:"garbage_collected"`
	NumClients               int64 `json:"num_clients"`
	LastClientReleasedMicros int64 `json:"last_client_released_micros"`

	PendingTasks          []PendingTask          `json:"pending_tasks"`
	DistributedEpochState *DistributedEpochState `json:"distributed_epoch_state,omitempty"`
}

// Task assigns a job's data partition to one worker. JobID is a reference
// resolved through the store.
type Task struct {
	ID              int64  `json:"id"`
	JobID           int64  `json:"job_id"`
	WorkerAddress   string `json:"worker_address"`
	TransferAddress string `json:"transfer_address"`
	DatasetKey      string `json:"dataset_key"`
	Finished        bool   `json:"finished"`
	Removed         bool   `json:"removed"`
	StartingRound   int64  `json:"starting_round"`
}

// ============================================================================
// Persistence
// ============================================================================

// NamedJobBinding records which job currently owns a named key.
type NamedJobBinding struct {
	Key   NamedJobKey `json:"key"`
	JobID int64       `json:"job_id"`
}

// StateImage is the canonical serializable form of the store. Every index that
// can be derived from these fields is rebuilt on restore and not stored.
type StateImage struct {
	Datasets     map[int64]*Dataset `json:"datasets"`
	Workers      map[string]*Worker `json:"workers"`
	Jobs         map[int64]*Job     `json:"jobs"`
	Tasks        map[int64]*Task    `json:"tasks"`
	TasksByJob   map[int64][]int64  `json:"tasks_by_job"`   // active task ids in promotion order
	WorkersByJob map[int64][]string `json:"workers_by_job"` // reserved workers in reservation order
	JobClients   map[int64]int64    `json:"job_clients"`    // job client id -> job id
	NamedJobs    []NamedJobBinding  `json:"named_jobs"`     // sorted by (name, index)

	NextAvailableDatasetID   int64 `json:"next_available_dataset_id"`
	NextAvailableJobID       int64 `json:"next_available_job_id"`
	NextAvailableJobClientID int64 `json:"next_available_job_client_id"`
	NextAvailableTaskID      int64 `json:"next_available_task_id"`
}

// NewStateImage returns an image of the empty store.
func NewStateImage() StateImage {
	return StateImage{
		Datasets:     make(map[int64]*Dataset),
		Workers:      make(map[string]*Worker),
		Jobs:         make(map[int64]*Job),
		Tasks:        make(map[int64]*Task),
		TasksByJob:   make(map[int64][]int64),
		WorkersByJob: make(map[int64][]string),
		JobClients:   make(map[int64]int64),
		NamedJobs:    []NamedJobBinding{},
	}
}

// SnapshotData is the on-disk snapshot: a store image plus the last journal
// sequence number it covers.
type SnapshotData struct {
	State     StateImage `json:"state"`
	SchemaVer int        `json:"schema_ver"`
	LastSeq   uint64     `json:"last_seq"`
}
