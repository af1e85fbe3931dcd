// internal/domain/models.go
package domain

import (
	"encoding/json"
	"time"
)

// ExportJob is the single remote export tracked by one export invocation.
type ExportJob struct {
	ID        string          `json:"id"`
	Status    JobStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Polls     int             `json:"polls"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Advance moves the job to next. Transitions only go forward; POLLING may be
// re-entered, and nothing leaves a terminal status.
func (j *ExportJob) Advance(next JobStatus) bool {
	if j.Status.Terminal() {
		return false
	}
	if next.rank() < j.Status.rank() {
		return false
	}
	j.Status = next
	return true
}

// RecordKind discriminates the two transfer descriptor shapes.
type RecordKind string

const (
	KindObjectURL  RecordKind = "OBJECT_URL"
	KindPrefixCopy RecordKind = "PREFIX_COPY"
)

// TransferRecord is one unit of data to move into the target root.
// Status is written only by the worker that owns the record.
type TransferRecord struct {
	Seq    int          `json:"seq"`
	Kind   RecordKind   `json:"kind"`
	Source string       `json:"source"`
	Target string       `json:"target,omitempty"`
	Status RecordStatus `json:"status,omitempty"`
	Err    error        `json:"-"`
}

// ErrorMessage returns the recorded failure text, if any.
func (r *TransferRecord) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// TransferBatch is the full set of records moved under one target root.
type TransferBatch struct {
	Records          []*TransferRecord
	TargetRoot       string
	MaxConcurrency   int
	PerRecordTimeout time.Duration
}

// RecordOutcome is the final status reported for one record.
type RecordOutcome struct {
	Seq    int          `json:"seq"`
	Kind   RecordKind   `json:"kind"`
	Source string       `json:"source"`
	Target string       `json:"target"`
	Status RecordStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// BatchResult aggregates per-record outcomes of a finished batch.
type BatchResult struct {
	TargetRoot string          `json:"target_root"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Records    []RecordOutcome `json:"records"`
	CleanedUp  bool            `json:"cleaned_up"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Status returns the final status of record seq.
func (r *BatchResult) Status(seq int) (RecordStatus, bool) {
	for _, rec := range r.Records {
		if rec.Seq == seq {
			return rec.Status, true
		}
	}
	return "", false
}

// NewBatchResult snapshots the records of a settled batch.
func NewBatchResult(root string, records []*TransferRecord) *BatchResult {
	res := &BatchResult{
		TargetRoot: root,
		Records:    make([]RecordOutcome, 0, len(records)),
	}
	for _, rec := range records {
		switch rec.Status {
		case RecordSucceeded:
			res.Succeeded++
		case RecordFailed:
			res.Failed++
		case RecordSkipped:
			res.Skipped++
		}
		res.Records = append(res.Records, RecordOutcome{
			Seq:    rec.Seq,
			Kind:   rec.Kind,
			Source: rec.Source,
			Target: rec.Target,
			Status: rec.Status,
			Error:  rec.ErrorMessage(),
		})
	}
	return res
}
