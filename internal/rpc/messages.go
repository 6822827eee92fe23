// Package rpc defines the wire messages and HTTP route names of the
// master<->slave control protocol described in SPEC_FULL.md §4.5. Transport
// is HTTP with JSON bodies, following the teacher's own api.go/agent.go
// convention (encoding/json over net/http) rather than a binary codec.
package rpc

import "mrs/internal/common"

// Routes served by the master, called by slaves.
const (
	RouteRegister         = "/rpc/register"
	RouteHeartbeat        = "/rpc/heartbeat"
	RouteReportDone       = "/rpc/report_done"
	RouteReportFailed     = "/rpc/report_failed"
	RouteReportStaleInput = "/rpc/report_stale_input"
)

// Routes served by each slave, called by the master.
const (
	RouteAssign     = "/rpc/assign"
	RouteCancel     = "/rpc/cancel"
	RoutePing       = "/rpc/ping"
	RouteDropBucket = "/rpc/drop_bucket"
	RouteQuit       = "/rpc/quit"
)

// RegisterRequest is sent once by a slave at startup.
type RegisterRequest struct {
	Endpoint string `json:"endpoint"`
	Capacity int    `json:"capacity"`
}

// RegisterResponse returns the slave id assigned (or confirmed) by the master.
type RegisterResponse struct {
	SlaveID string `json:"slave_id"`
}

// HeartbeatRequest is sent on a fixed interval by every registered slave.
type HeartbeatRequest struct {
	SlaveID        string   `json:"slave_id"`
	RunningTaskIDs []string `json:"running_task_ids"`
}

// HeartbeatResponse optionally carries a reassign list: task ids the slave
// believed were running but which the master has already reassigned
// elsewhere (e.g. after a prior heartbeat was merely delayed, not lost) and
// the slave should abandon.
type HeartbeatResponse struct {
	OK           bool     `json:"ok"`
	ReassignList []string `json:"reassign_list,omitempty"`
}

// ReportDoneRequest is sent by a slave when a task attempt completes
// successfully, advertising the bucket URLs it produced.
type ReportDoneRequest struct {
	SlaveID   string             `json:"slave_id"`
	JobID     string             `json:"job_id"`
	TaskID    string             `json:"task_id"`
	Attempt   int                `json:"attempt"`
	DatasetID int                `json:"dataset_id"`
	SplitIdx  int                `json:"split_index"`
	Outputs   []common.BucketRef `json:"outputs"`
}

// ReportDoneResponse tells the slave whether its completion was accepted
// ("ack") or discarded as stale ("discard"). The slave takes no action on a
// discard; it does not drop the buckets it advertised.
type ReportDoneResponse struct {
	Accepted bool `json:"accepted"`
}

// ReportFailedRequest is sent by a slave when a task attempt fails.
type ReportFailedRequest struct {
	SlaveID   string `json:"slave_id"`
	JobID     string `json:"job_id"`
	TaskID    string `json:"task_id"`
	Attempt   int    `json:"attempt"`
	DatasetID int    `json:"dataset_id"`
	SplitIdx  int    `json:"split_index"`
	Reason    string `json:"reason"`
}

// ReportFailedResponse simply acknowledges receipt.
type ReportFailedResponse struct {
	Acked bool `json:"acked"`
}

// ReportStaleInputRequest is sent by a slave when fetching one of a task's
// input buckets comes back 404/410: StaleRef identifies the producer bucket
// that is gone, so the master can invalidate and re-run the task that wrote
// it instead of just retrying the reporting task.
type ReportStaleInputRequest struct {
	SlaveID   string           `json:"slave_id"`
	JobID     string           `json:"job_id"`
	TaskID    string           `json:"task_id"`
	Attempt   int              `json:"attempt"`
	DatasetID int              `json:"dataset_id"`
	SplitIdx  int              `json:"split_index"`
	StaleRef  common.BucketRef `json:"stale_ref"`
	Reason    string           `json:"reason"`
}

// ReportStaleInputResponse simply acknowledges receipt.
type ReportStaleInputResponse struct {
	Acked bool `json:"acked"`
}

// AssignRequest pushes one task to a slave for execution.
type AssignRequest struct {
	Task common.Task `json:"task"`
}

// AssignResponse is returned by a slave's assign endpoint.
type AssignResponse struct {
	Accepted bool   `json:"accepted"` // false means "busy"
	Reason   string `json:"reason,omitempty"`
}

// CancelRequest asks a slave to abandon a task if still running.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// DropBucketRequest asks a slave to delete the buckets produced by a task.
type DropBucketRequest struct {
	TaskID    string `json:"task_id"`
	DatasetID int    `json:"dataset_id"`
}

// OKResponse is the trivial ack shape used by cancel/drop_bucket/quit.
type OKResponse struct {
	OK bool `json:"ok"`
}

// PingResponse is the slave_status a slave reports back from ping()
// (SPEC_FULL.md §4.5 "ping() -> slave_status").
type PingResponse = common.SlaveStatus
