package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/export"
	"github.com/andresuchdata/export2s3/internal/storage"
	"github.com/andresuchdata/export2s3/internal/transfer"
)

// ErrAlreadyLoaded is returned by Check callers that treat a loaded week as
// a reason to stop.
var ErrAlreadyLoaded = errors.New("week already loaded")

// Orchestrator chains export, extraction and transfer for one run date.
type Orchestrator struct {
	cfg      Config
	exporter Exporter
	engine   BatchRunner
	gw       storage.Gateway
	tracker  Tracker
	cache    ResultCache
	log      zerolog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTracker persists runs through t.
func WithTracker(t Tracker) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracker = t
		}
	}
}

// WithResultCache stores final batch results in c.
func WithResultCache(c ResultCache) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.cache = c
		}
	}
}

// NewOrchestrator creates a new Orchestrator. exporter may be nil when only
// the transfer stage is used.
func NewOrchestrator(cfg Config, exporter Exporter, engine BatchRunner, gw storage.Gateway, log zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		exporter: exporter,
		engine:   engine,
		gw:       gw,
		tracker:  NopTracker{},
		cache:    nopCache{},
		log:      log.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TargetRoot is the weekly root for date.
func (o *Orchestrator) TargetRoot(date time.Time) string {
	return transfer.WeeklyRoot(o.cfg.TargetBucket, o.cfg.TargetPrefix, date)
}

// Export runs the remote export and extracts transfer records from it.
func (o *Orchestrator) Export(ctx context.Context) (string, []*domain.TransferRecord, error) {
	if o.exporter == nil {
		return "", nil, &domain.ConfigurationError{Field: "export", Reason: "no export client configured"}
	}
	job, items, err := o.exporter.Run(ctx)
	if err != nil {
		return "", nil, err
	}
	records, err := export.Extract(items)
	if err != nil {
		return job.ID, nil, err
	}
	o.log.Info().Str("job_id", job.ID).Int("records", len(records)).Msg("export extracted")
	return job.ID, records, nil
}

// Check reports the weekly root for date and whether it already holds data.
func (o *Orchestrator) Check(ctx context.Context, date time.Time) (string, bool, error) {
	root := o.TargetRoot(date)
	loaded, err := transfer.RootHasData(ctx, o.gw, root)
	if err != nil {
		return root, false, fmt.Errorf("check %s: %w", root, err)
	}
	o.log.Info().Str("target_root", root).Bool("loaded", loaded).Msg("week check")
	return root, loaded, nil
}

// Transfer moves records into the weekly root of opts.RunDate.
func (o *Orchestrator) Transfer(ctx context.Context, jobID string, records []*domain.TransferRecord, opts RunOptions) (*Run, error) {
	date := opts.RunDate
	if date.IsZero() {
		date = time.Now().UTC()
	}
	root := o.TargetRoot(date)

	run := &Run{
		JobID:        jobID,
		RunDate:      date.Truncate(24 * time.Hour),
		TargetRoot:   root,
		Status:       RunPending,
		TotalRecords: len(records),
		StartedAt:    time.Now().UTC(),
	}
	log := o.log.With().Str("target_root", root).Str("job_id", jobID).Logger()

	if o.cfg.SkipIfLoaded && !opts.Force {
		_, loaded, err := o.Check(ctx, date)
		if err != nil {
			return nil, err
		}
		if loaded {
			now := time.Now().UTC()
			run.Status = RunSkipped
			run.CompletedAt = &now
			run.ErrorMessage = ErrAlreadyLoaded.Error()
			log.Warn().Msg("target root already loaded, skipping transfer")
			o.track(ctx, run, true)
			return run, nil
		}
	}

	run.Status = RunTransferring
	o.track(ctx, run, false)

	res, err := o.engine.Run(ctx, &domain.TransferBatch{
		Records:          records,
		TargetRoot:       root,
		MaxConcurrency:   o.cfg.MaxWorkers,
		PerRecordTimeout: o.cfg.DownloadTimeout,
	})
	run.Finish(res, err)
	o.track(ctx, run, true)

	if res != nil {
		if cerr := o.cache.StoreResult(context.WithoutCancel(ctx), res); cerr != nil {
			log.Warn().Err(cerr).Msg("could not cache batch result")
		}
	}
	if err != nil {
		return run, err
	}

	log.Info().Int("succeeded", run.Succeeded).Msg("run completed")
	return run, nil
}

// Run chains Export and Transfer.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Run, error) {
	jobID, records, err := o.Export(ctx)
	if err != nil {
		return nil, err
	}
	return o.Transfer(ctx, jobID, records, opts)
}

// track writes the run through the tracker. Tracking failures are logged and
// never fail the run.
func (o *Orchestrator) track(ctx context.Context, run *Run, final bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if final {
		if run.ID == 0 {
			err = o.tracker.StartRun(ctx, run)
		}
		if err == nil {
			err = o.tracker.FinishRun(ctx, run)
		}
	} else {
		err = o.tracker.StartRun(ctx, run)
	}
	if err != nil {
		o.log.Warn().Err(err).Str("target_root", run.TargetRoot).Msg("could not track run")
	}
}
