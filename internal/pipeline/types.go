package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/andresuchdata/export2s3/internal/domain"
)

// RunStatus represents the current state of a pipeline run
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunTransferring RunStatus = "transferring"
	RunCompleted    RunStatus = "completed"
	RunSkipped      RunStatus = "skipped"
	RunFailed       RunStatus = "failed"
)

// Run tracks a single transfer of one export into one weekly root.
type Run struct {
	ID           int64                  `db:"id" json:"id"`
	JobID        string                 `db:"job_id" json:"job_id"`
	RunDate      time.Time              `db:"run_date" json:"run_date"`
	TargetRoot   string                 `db:"target_root" json:"target_root"`
	Status       RunStatus              `db:"status" json:"status"`
	TotalRecords int                    `db:"total_records" json:"total_records"`
	Succeeded    int                    `db:"succeeded" json:"succeeded"`
	Failed       int                    `db:"failed" json:"failed"`
	Skipped      int                    `db:"skipped" json:"skipped"`
	CleanedUp    bool                   `db:"cleaned_up" json:"cleaned_up"`
	StartedAt    time.Time              `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time             `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage string                 `db:"error_message" json:"error_message,omitempty"`
	Records      []domain.RecordOutcome `db:"-" json:"records,omitempty"`
}

// Finish copies the batch outcome onto the run.
func (r *Run) Finish(res *domain.BatchResult, err error) {
	now := time.Now().UTC()
	r.CompletedAt = &now
	if res != nil {
		r.Succeeded, r.Failed, r.Skipped = res.Succeeded, res.Failed, res.Skipped
		r.CleanedUp = res.CleanedUp
		r.Records = res.Records
	}
	if err != nil {
		r.Status = RunFailed
		r.ErrorMessage = err.Error()
		return
	}
	r.Status = RunCompleted
}

// Tracker persists runs and their per-record outcomes.
type Tracker interface {
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
}

// ResultCache keeps the latest batch result per target root.
type ResultCache interface {
	StoreResult(ctx context.Context, res *domain.BatchResult) error
}

// Exporter produces the raw result items of one remote export.
type Exporter interface {
	Run(ctx context.Context) (*domain.ExportJob, []json.RawMessage, error)
}

// BatchRunner executes one transfer batch.
type BatchRunner interface {
	Run(ctx context.Context, batch *domain.TransferBatch) (*domain.BatchResult, error)
}

// NopTracker records nothing.
type NopTracker struct{}

func (NopTracker) StartRun(context.Context, *Run) error  { return nil }
func (NopTracker) FinishRun(context.Context, *Run) error { return nil }

type nopCache struct{}

func (nopCache) StoreResult(context.Context, *domain.BatchResult) error { return nil }

// Config holds the transfer settings of the orchestrator.
type Config struct {
	TargetBucket    string
	TargetPrefix    string
	MaxWorkers      int
	DownloadTimeout time.Duration
	SkipIfLoaded    bool
}

// RunOptions are per-invocation knobs.
type RunOptions struct {
	RunDate time.Time
	Force   bool
}
