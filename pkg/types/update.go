package types

import "errors"

// UpdateType tags the variant carried by an Update.
type UpdateType string

const (
	UpdateTypeNotSet        UpdateType = ""
	UpdateRegisterDataset   UpdateType = "REGISTER_DATASET"
	UpdateRegisterWorker    UpdateType = "REGISTER_WORKER"
	UpdateCreateJob         UpdateType = "CREATE_JOB"
	UpdateProduceSplit      UpdateType = "PRODUCE_SPLIT"
	UpdateAcquireJobClient  UpdateType = "ACQUIRE_JOB_CLIENT"
	UpdateReleaseJobClient  UpdateType = "RELEASE_JOB_CLIENT"
	UpdateGarbageCollectJob UpdateType = "GARBAGE_COLLECT_JOB"
	UpdateRemoveTask        UpdateType = "REMOVE_TASK"
	UpdateCreatePendingTask UpdateType = "CREATE_PENDING_TASK"
	UpdateClientHeartbeat   UpdateType = "CLIENT_HEARTBEAT"
	UpdateCreateTask        UpdateType = "CREATE_TASK"
	UpdateFinishTask        UpdateType = "FINISH_TASK"
)

// UpdateTypes lists every settable update type in declaration order.
var UpdateTypes = []UpdateType{
	UpdateRegisterDataset,
	UpdateRegisterWorker,
	UpdateCreateJob,
	UpdateProduceSplit,
	UpdateAcquireJobClient,
	UpdateReleaseJobClient,
	UpdateGarbageCollectJob,
	UpdateRemoveTask,
	UpdateCreatePendingTask,
	UpdateClientHeartbeat,
	UpdateCreateTask,
	UpdateFinishTask,
}

// ErrUpdateTypeNotSet is returned by Update.Check when the tag is unset, unknown,
// or does not match the populated payload.
var ErrUpdateTypeNotSet = errors.New("update type not set")

// ErrMultiplePayloads is returned by Update.Check when more than one payload
// field is populated.
var ErrMultiplePayloads = errors.New("update carries more than one payload")

// Update is one state-machine mutation record. Exactly one payload field is
// populated and Type names it.
type Update struct {
	Type UpdateType `json:"type"`

	RegisterDataset   *RegisterDatasetUpdate   `json:"register_dataset,omitempty"`
	RegisterWorker    *RegisterWorkerUpdate    `json:"register_worker,omitempty"`
	CreateJob         *CreateJobUpdate         `json:"create_job,omitempty"`
	ProduceSplit      *ProduceSplitUpdate      `json:"produce_split,omitempty"`
	AcquireJobClient  *AcquireJobClientUpdate  `json:"acquire_job_client,omitempty"`
	ReleaseJobClient  *ReleaseJobClientUpdate  `json:"release_job_client,omitempty"`
	GarbageCollectJob *GarbageCollectJobUpdate `json:"garbage_collect_job,omitempty"`
	RemoveTask        *RemoveTaskUpdate        `json:"remove_task,omitempty"`
	CreatePendingTask *CreatePendingTaskUpdate `json:"create_pending_task,omitempty"`
	ClientHeartbeat   *ClientHeartbeatUpdate   `json:"client_heartbeat,omitempty"`
	CreateTask        *CreateTaskUpdate        `json:"create_task,omitempty"`
	FinishTask        *FinishTaskUpdate        `json:"finish_task,omitempty"`
}

type RegisterDatasetUpdate struct {
	DatasetID   int64  `json:"dataset_id"`
	Fingerprint uint64 `json:"fingerprint"`
}

type RegisterWorkerUpdate struct {
	WorkerAddress   string `json:"worker_address"`
	TransferAddress string `json:"transfer_address"`
}

type CreateJobUpdate struct {
	JobID             int64          `json:"job_id"`
	DatasetID         int64          `json:"dataset_id"`
	ProcessingMode    ProcessingMode `json:"processing_mode"`
	NumSplitProviders int64          `json:"num_split_providers"`
	NamedJobKey       *NamedJobKey   `json:"named_job_key,omitempty"`
	NumConsumers      *int64         `json:"num_consumers,omitempty"`
	JobType           JobType        `json:"job_type"`
}

type ProduceSplitUpdate struct {
	JobID              int64 `json:"job_id"`
	SplitProviderIndex int64 `json:"split_provider_index"`
	Repetition         int64 `json:"repetition"`
	Finished           bool  `json:"finished"`
}

type AcquireJobClientUpdate struct {
	JobClientID int64 `json:"job_client_id"`
	JobID       int64 `json:"job_id"`
}

type ReleaseJobClientUpdate struct {
	JobClientID int64 `json:"job_client_id"`
	TimeMicros  int64 `json:"time_micros"`
}

type GarbageCollectJobUpdate struct {
	JobID int64 `json:"job_id"`
}

type RemoveTaskUpdate struct {
	TaskID int64 `json:"task_id"`
}

type CreatePendingTaskUpdate struct {
	TaskID          int64  `json:"task_id"`
	JobID           int64  `json:"job_id"`
	WorkerAddress   string `json:"worker_address"`
	TransferAddress string `json:"transfer_address"`
	DatasetKey      string `json:"dataset_key"`
	StartingRound   int64  `json:"starting_round"`
}

// TaskRejected carries the round the rejecting client wants the quorum to restart at.
type TaskRejected struct {
	NewTargetRound int64 `json:"new_target_round"`
}

type ClientHeartbeatUpdate struct {
	JobClientID  int64         `json:"job_client_id"`
	TaskRejected *TaskRejected `json:"task_rejected,omitempty"`
	TaskAccepted bool          `json:"task_accepted"`
}

type CreateTaskUpdate struct {
	TaskID          int64  `json:"task_id"`
	JobID           int64  `json:"job_id"`
	WorkerAddress   string `json:"worker_address"`
	TransferAddress string `json:"transfer_address"`
	DatasetKey      string `json:"dataset_key"`
}

type FinishTaskUpdate struct {
	TaskID int64 `json:"task_id"`
}

// Check verifies that Type is a known tag and that its payload is the only
// one present.
func (u Update) Check() error {
	var ok bool
	switch u.Type {
	case UpdateRegisterDataset:
		ok = u.RegisterDataset != nil
	case UpdateRegisterWorker:
		ok = u.RegisterWorker != nil
	case UpdateCreateJob:
		ok = u.CreateJob != nil
	case UpdateProduceSplit:
		ok = u.ProduceSplit != nil
	case UpdateAcquireJobClient:
		ok = u.AcquireJobClient != nil
	case UpdateReleaseJobClient:
		ok = u.ReleaseJobClient != nil
	case UpdateGarbageCollectJob:
		ok = u.GarbageCollectJob != nil
	case UpdateRemoveTask:
		ok = u.RemoveTask != nil
	case UpdateCreatePendingTask:
		ok = u.CreatePendingTask != nil
	case UpdateClientHeartbeat:
		ok = u.ClientHeartbeat != nil
	case UpdateCreateTask:
		ok = u.CreateTask != nil
	case UpdateFinishTask:
		ok = u.FinishTask != nil
	}
	if !ok {
		return ErrUpdateTypeNotSet
	}
	if u.payloads() > 1 {
		return ErrMultiplePayloads
	}
	return nil
}

func (u Update) payloads() int {
	n := 0
	for _, set := range []bool{
		u.RegisterDataset != nil,
		u.RegisterWorker != nil,
		u.CreateJob != nil,
		u.ProduceSplit != nil,
		u.AcquireJobClient != nil,
		u.ReleaseJobClient != nil,
		u.GarbageCollectJob != nil,
		u.RemoveTask != nil,
		u.CreatePendingTask != nil,
		u.ClientHeartbeat != nil,
		u.CreateTask != nil,
		u.FinishTask != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// ============================================================================
// Constructors
// ============================================================================

func NewRegisterDatasetUpdate(datasetID int64, fingerprint uint64) Update {
	return Update{
		Type:            UpdateRegisterDataset,
		RegisterDataset: &RegisterDatasetUpdate{DatasetID: datasetID, Fingerprint: fingerprint},
	}
}

func NewRegisterWorkerUpdate(address, transferAddress string) Update {
	return Update{
		Type:           UpdateRegisterWorker,
		RegisterWorker: &RegisterWorkerUpdate{WorkerAddress: address, TransferAddress: transferAddress},
	}
}

// NewCreateJobUpdate builds a CREATE_JOB update. The optional named key and
// consumer count are set with WithNamedJobKey and WithNumConsumers.
func NewCreateJobUpdate(jobID, datasetID int64, mode ProcessingMode, numSplitProviders int64, jobType JobType) Update {
	return Update{
		Type: UpdateCreateJob,
		CreateJob: &CreateJobUpdate{
			JobID:             jobID,
			DatasetID:         datasetID,
			ProcessingMode:    mode,
			NumSplitProviders: numSplitProviders,
			JobType:           jobType,
		},
	}
}

// WithNamedJobKey sets the idempotency key of a CREATE_JOB update.
func (u Update) WithNamedJobKey(name string, index int64) Update {
	if u.CreateJob != nil {
		cj := *u.CreateJob
		cj.NamedJobKey = &NamedJobKey{Name: name, Index: index}
		u.CreateJob = &cj
	}
	return u
}

// WithNumConsumers sets the fixed consumer count of a CREATE_JOB update.
func (u Update) WithNumConsumers(n int64) Update {
	if u.CreateJob != nil {
		cj := *u.CreateJob
		cj.NumConsumers = &n
		u.CreateJob = &cj
	}
	return u
}

func NewProduceSplitUpdate(jobID, providerIndex, repetition int64, finished bool) Update {
	return Update{
		Type: UpdateProduceSplit,
		ProduceSplit: &ProduceSplitUpdate{
			JobID:              jobID,
			SplitProviderIndex: providerIndex,
			Repetition:         repetition,
			Finished:           finished,
		},
	}
}

func NewAcquireJobClientUpdate(jobClientID, jobID int64) Update {
	return Update{
		Type:             UpdateAcquireJobClient,
		AcquireJobClient: &AcquireJobClientUpdate{JobClientID: jobClientID, JobID: jobID},
	}
}

func NewReleaseJobClientUpdate(jobClientID, timeMicros int64) Update {
	return Update{
		Type:             UpdateReleaseJobClient,
		ReleaseJobClient: &ReleaseJobClientUpdate{JobClientID: jobClientID, TimeMicros: timeMicros},
	}
}

func NewGarbageCollectJobUpdate(jobID int64) Update {
	return Update{
		Type:              UpdateGarbageCollectJob,
		GarbageCollectJob: &GarbageCollectJobUpdate{JobID: jobID},
	}
}

func NewRemoveTaskUpdate(taskID int64) Update {
	return Update{
		Type:       UpdateRemoveTask,
		RemoveTask: &RemoveTaskUpdate{TaskID: taskID},
	}
}

func NewCreatePendingTaskUpdate(taskID, jobID int64, workerAddress, transferAddress, datasetKey string, startingRound int64) Update {
	return Update{
		Type: UpdateCreatePendingTask,
		CreatePendingTask: &CreatePendingTaskUpdate{
			TaskID:          taskID,
			JobID:           jobID,
			WorkerAddress:   workerAddress,
			TransferAddress: transferAddress,
			DatasetKey:      datasetKey,
			StartingRound:   startingRound,
		},
	}
}

// NewClientHeartbeatUpdate builds a heartbeat that accepts (or not) the head
// pending task of the client's job.
func NewClientHeartbeatUpdate(jobClientID int64, accepted bool) Update {
	return Update{
		Type:            UpdateClientHeartbeat,
		ClientHeartbeat: &ClientHeartbeatUpdate{JobClientID: jobClientID, TaskAccepted: accepted},
	}
}

// NewTaskRejectedUpdate builds a heartbeat that rejects the head pending task
// and restarts quorum collection at newTargetRound.
func NewTaskRejectedUpdate(jobClientID, newTargetRound int64) Update {
	return Update{
		Type: UpdateClientHeartbeat,
		ClientHeartbeat: &ClientHeartbeatUpdate{
			JobClientID:  jobClientID,
			TaskRejected: &TaskRejected{NewTargetRound: newTargetRound},
		},
	}
}

func NewCreateTaskUpdate(taskID, jobID int64, workerAddress, transferAddress, datasetKey string) Update {
	return Update{
		Type: UpdateCreateTask,
		CreateTask: &CreateTaskUpdate{
			TaskID:          taskID,
			JobID:           jobID,
			WorkerAddress:   workerAddress,
			TransferAddress: transferAddress,
			DatasetKey:      datasetKey,
		},
	}
}

func NewFinishTaskUpdate(taskID int64) Update {
	return Update{
		Type:       UpdateFinishTask,
		FinishTask: &FinishTaskUpdate{TaskID: taskID},
	}
}
