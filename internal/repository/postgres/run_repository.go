package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/pipeline"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, job_id, run_date, target_root, status, total_records,
	succeeded, failed, skipped, cleaned_up, started_at, completed_at, error_message`

// RunRepository persists pipeline runs and per-record outcomes.
type RunRepository struct {
	db *DB
}

func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

var _ pipeline.Tracker = (*RunRepository)(nil)

// StartRun inserts the run and stores its id.
func (r *RunRepository) StartRun(ctx context.Context, run *pipeline.Run) error {
	query := `
		INSERT INTO export_runs (
			job_id, run_date, target_root, status, total_records, started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.db.QueryRowxContext(ctx, query,
		run.JobID, run.RunDate, run.TargetRoot, run.Status, run.TotalRecords, run.StartedAt,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun updates the run totals and replaces its record outcomes.
func (r *RunRepository) FinishRun(ctx context.Context, run *pipeline.Run) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		update := `
			UPDATE export_runs
			SET status = $1, succeeded = $2, failed = $3, skipped = $4,
			    cleaned_up = $5, completed_at = $6, error_message = $7
			WHERE id = $8
		`
		if _, err := tx.ExecContext(ctx, update,
			run.Status, run.Succeeded, run.Failed, run.Skipped,
			run.CleanedUp, run.CompletedAt, run.ErrorMessage, run.ID,
		); err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM export_run_records WHERE run_id = $1`, run.ID); err != nil {
			return fmt.Errorf("failed to clear run records: %w", err)
		}
		if len(run.Records) == 0 {
			return nil
		}

		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO export_run_records (run_id, seq, kind, source, target, status, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, rec := range run.Records {
			if _, err := stmt.ExecContext(ctx,
				run.ID, rec.Seq, rec.Kind, rec.Source, rec.Target, rec.Status, rec.Error,
			); err != nil {
				return fmt.Errorf("failed to insert record %d: %w", rec.Seq, err)
			}
		}
		return nil
	})
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	TargetRoot string
	Statuses   []string
	Limit      int
}

// buildListQuery renders the list query and its arguments.
func buildListQuery(f RunFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.TargetRoot != "" {
		args = append(args, f.TargetRoot)
		where = append(where, fmt.Sprintf("target_root = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(f.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)

	var b strings.Builder
	b.WriteString("SELECT " + runColumns + " FROM export_runs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY started_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

// ListRuns returns the most recent runs first.
func (r *RunRepository) ListRuns(ctx context.Context, f RunFilter) ([]pipeline.Run, error) {
	query, args := buildListQuery(f)

	runs := []pipeline.Run{}
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run with its record outcomes.
func (r *RunRepository) GetRun(ctx context.Context, id int64) (*pipeline.Run, error) {
	var run pipeline.Run
	err := r.db.GetContext(ctx, &run, "SELECT "+runColumns+" FROM export_runs WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", id, err)
	}

	rows := []struct {
		Seq    int                 `db:"seq"`
		Kind   domain.RecordKind   `db:"kind"`
		Source string              `db:"source"`
		Target string              `db:"target"`
		Status domain.RecordStatus `db:"status"`
		Error  string              `db:"error"`
	}{}
	query := `
		SELECT seq, kind, source, target, status, error
		FROM export_run_records
		WHERE run_id = $1
		ORDER BY seq
	`
	if err := r.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("failed to fetch run records: %w", err)
	}

	run.Records = make([]domain.RecordOutcome, 0, len(rows))
	for _, row := range rows {
		run.Records = append(run.Records, domain.RecordOutcome{
			Seq:    row.Seq,
			Kind:   row.Kind,
			Source: row.Source,
			Target: row.Target,
			Status: row.Status,
			Error:  row.Error,
		})
	}
	return &run, nil
}
