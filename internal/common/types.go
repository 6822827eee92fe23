// Package common holds the data model shared by the master, the slaves, and
// the job driver: the dataset/task/bucket types, slave bookkeeping, and the
// small result/response structs that cross the RPC boundary between them.
package common

import "time"

// MaxRetries is the default retry bound for a failed task attempt before it
// is marked failed-fatal and the job aborts.
const MaxRetries = 3

// DefaultCapacity is the number of concurrently-running tasks a slave
// accepts before replying "busy", absent an explicit per-slave knob.
const DefaultCapacity = 1

// MissedHeartbeatsLimit is the number of consecutively missed heartbeats
// after which a slave is declared lost.
const MissedHeartbeatsLimit = 3

// DatasetKind enumerates the shapes a dataset node in the DAG can take.
type DatasetKind string

const (
	KindSourceURL   DatasetKind = "source-from-urls"
	KindSourceLocal DatasetKind = "source-from-local-iterator"
	KindMap         DatasetKind = "map"
	KindReduce      DatasetKind = "reduce"
	KindReduceMap   DatasetKind = "reduce-then-map"
)

// TaskState is the lifecycle state of one task's attempt sequence.
type TaskState string

const (
	StatePending         TaskState = "pending"
	StateAssigned        TaskState = "assigned"
	StateRunning         TaskState = "running"
	StateComplete        TaskState = "complete"
	StateFailedRetryable TaskState = "failed-retryable"
	StateFailedFatal     TaskState = "failed-fatal"
)

// JobStatus is the overall status of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobAborted   JobStatus = "aborted"
)

// DatasetSpec is what a submitter passes to register a new dataset node.
// Only the fields relevant to Kind carry meaning; the rest are left zero.
type DatasetSpec struct {
	Kind            DatasetKind `json:"kind"`
	Sources         []int       `json:"sources"`
	URLs            []string    `json:"urls,omitempty"` // source-from-urls only
	NumSplits       int         `json:"num_splits"`
	OutputDir       string      `json:"output_dir,omitempty"`
	Partitioner     string      `json:"partitioner,omitempty"` // defaults to "hashmod"
	Mapper          string      `json:"mapper,omitempty"`
	Reducer         string      `json:"reducer,omitempty"`
	Combiner        string      `json:"combiner,omitempty"`
	KeySerializer   string      `json:"key_serializer,omitempty"`
	ValueSerializer string      `json:"value_serializer,omitempty"`
}

// Dataset is an immutable-once-submitted node of the DAG.
type Dataset struct {
	ID              int         `json:"id"`
	Kind            DatasetKind `json:"kind"`
	Sources         []int       `json:"sources"`
	URLs            []string    `json:"urls,omitempty"`
	NumSplits       int         `json:"num_splits"`
	OutputDir       string      `json:"output_dir,omitempty"`
	Partitioner     string      `json:"partitioner"`
	Mapper          string      `json:"mapper,omitempty"`
	Reducer         string      `json:"reducer,omitempty"`
	Combiner        string      `json:"combiner,omitempty"`
	KeySerializer   string      `json:"key_serializer"`
	ValueSerializer string      `json:"value_serializer"`
	Closed          bool        `json:"closed"`
}

// BucketRef addresses one on-disk bucket: the output of task (DatasetID,
// SourceIndex) destined for consumer split SplitIndex, at producer
// Generation, fetchable at URL. For a raw source-from-urls input, SourceIndex
// is -1 and URL is the original source-from-urls entry.
type BucketRef struct {
	DatasetID   int    `json:"dataset_id"`
	SourceIndex int    `json:"source_index"`
	SplitIndex  int    `json:"split_index"`
	Generation  int    `json:"generation"`
	URL         string `json:"url"`
}

// Task is one schedulable split of one non-source dataset, carrying enough
// of its descriptor that a slave can execute it without calling back to the
// master for anything but input bytes.
type Task struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	DatasetID  int       `json:"dataset_id"`
	SplitIndex int       `json:"split_index"`
	Attempt    int       `json:"attempt"`
	Generation int       `json:"generation"`
	State      TaskState `json:"state"`
	AssignedTo string    `json:"assigned_to,omitempty"`

	Kind            DatasetKind `json:"kind"`
	Mapper          string      `json:"mapper,omitempty"`
	Reducer         string      `json:"reducer,omitempty"`
	Combiner        string      `json:"combiner,omitempty"`
	Partitioner     string      `json:"partitioner"`
	KeySerializer   string      `json:"key_serializer"`
	ValueSerializer string      `json:"value_serializer"`
	ConsumerSplits  int         `json:"consumer_splits"` // num_splits this task's output is partitioned into
	Inputs          []BucketRef `json:"inputs"`          // resolved input buckets/source URLs

	// Outputs is populated by the slave on completion, one BucketRef per
	// output split it wrote.
	Outputs []BucketRef `json:"outputs,omitempty"`
}

// SlaveStatus is what a slave reports in response to ping/heartbeat.
type SlaveStatus struct {
	RunningTaskIDs   []string `json:"running_task_ids"`
	ScratchBytesUsed int64    `json:"scratch_bytes_used"`
	Capacity         int      `json:"capacity"`
	AvailableSlots   int      `json:"available_slots"`
}

// SlaveState is the master's view of one registered slave's health.
type SlaveState string

const (
	SlaveHealthy   SlaveState = "healthy"
	SlaveSuspected SlaveState = "suspected"
	SlaveLost      SlaveState = "lost"
)

// SlaveInfo is the master's bookkeeping record for a registered slave.
type SlaveInfo struct {
	ID             string          `json:"id"`
	Endpoint       string          `json:"endpoint"`
	Capacity       int             `json:"capacity"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	MissedBeats    int             `json:"missed_beats"`
	State          SlaveState      `json:"state"`
	RunningTaskIDs map[string]bool `json:"-"`
}
