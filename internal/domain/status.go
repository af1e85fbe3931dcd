package domain

import "strings"

// JobStatus is the lifecycle state of an ExportJob.
type JobStatus string

const (
	JobCreated  JobStatus = "CREATED"
	JobPolling  JobStatus = "POLLING"
	JobReady    JobStatus = "READY"
	JobFailed   JobStatus = "FAILED"
	JobTimedOut JobStatus = "TIMED_OUT"
)

var jobStatusRank = map[JobStatus]int{
	"":          0,
	JobCreated:  1,
	JobPolling:  2,
	JobReady:    3,
	JobFailed:   3,
	JobTimedOut: 3,
}

func (s JobStatus) rank() int {
	return jobStatusRank[s]
}

// Terminal reports whether no further transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobReady || s == JobFailed || s == JobTimedOut
}

// RemoteState is the normalized status reported by the export service.
type RemoteState int

const (
	RemoteRunning RemoteState = iota
	RemoteReady
	RemoteFailed
)

var remoteStates = map[string]RemoteState{
	"ready":     RemoteReady,
	"completed": RemoteReady,
	"succeeded": RemoteReady,
	"failed":    RemoteFailed,
	"error":     RemoteFailed,
}

// ParseRemoteState maps a service status label (case-insensitive) to a
// RemoteState. Unknown labels such as "pending" or "running" keep polling.
func ParseRemoteState(label string) RemoteState {
	if state, ok := remoteStates[strings.ToLower(strings.TrimSpace(label))]; ok {
		return state
	}
	return RemoteRunning
}

// RecordStatus is the lifecycle state of a TransferRecord.
type RecordStatus string

const (
	RecordPending    RecordStatus = "PENDING"
	RecordInProgress RecordStatus = "IN_PROGRESS"
	RecordSucceeded  RecordStatus = "SUCCEEDED"
	RecordFailed     RecordStatus = "FAILED"
	RecordSkipped    RecordStatus = "SKIPPED"
)

var recordStatusCodes = map[string]RecordStatus{
	"pending":     RecordPending,
	"in_progress": RecordInProgress,
	"succeeded":   RecordSucceeded,
	"failed":      RecordFailed,
	"skipped":     RecordSkipped,
}

// ParseRecordStatus returns the status for a given label (case-insensitive).
func ParseRecordStatus(label string) (RecordStatus, bool) {
	status, ok := recordStatusCodes[strings.ToLower(label)]

	return status, ok
}
