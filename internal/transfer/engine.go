package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/storage"
)

// Engine executes a TransferBatch against a storage gateway with a bounded
// worker pool. A batch either fully succeeds or its target root is cleaned.
type Engine struct {
	gw      storage.Gateway
	fetcher Fetcher
	cleaner *Cleaner
	log     zerolog.Logger
}

// NewEngine wires an engine. fetcher may be nil when only PREFIX_COPY
// records are transferred.
func NewEngine(gw storage.Gateway, fetcher Fetcher, cleaner *Cleaner, log zerolog.Logger) *Engine {
	if cleaner == nil {
		cleaner = NewCleaner(gw, DefaultCleanupAttempts, DefaultCleanupBackoff, log)
	}
	return &Engine{
		gw:      gw,
		fetcher: fetcher,
		cleaner: cleaner,
		log:     log.With().Str("component", "transfer").Logger(),
	}
}

func (e *Engine) validate(batch *domain.TransferBatch) error {
	if batch.MaxConcurrency <= 0 {
		return &domain.ConfigurationError{Field: "transfer.max_workers", Reason: "must be positive"}
	}
	if batch.PerRecordTimeout <= 0 {
		return &domain.ConfigurationError{Field: "transfer.http_download_timeout_sec", Reason: "must be positive"}
	}
	if err := AssignTargets(batch.TargetRoot, batch.Records); err != nil {
		return err
	}
	for _, rec := range batch.Records {
		if rec.Kind == domain.KindObjectURL && e.fetcher == nil {
			return &domain.ConfigurationError{Field: "fetcher", Reason: "OBJECT_URL records need an http fetcher"}
		}
		if rec.Status != "" && rec.Status != domain.RecordPending {
			return &domain.ConfigurationError{
				Field:  "records",
				Reason: fmt.Sprintf("record %d is %s, only PENDING records can be transferred", rec.Seq, rec.Status),
			}
		}
	}
	// unset status means a freshly built record
	for _, rec := range batch.Records {
		rec.Status = domain.RecordPending
	}
	return nil
}

// Run transfers every record of batch. On the first failure no further
// records are claimed, in-flight workers finish, and once all have settled
// the target root is cleaned exactly once. The returned error is then a
// *domain.TransferError carrying the first failure and any cleanup failure.
func (e *Engine) Run(ctx context.Context, batch *domain.TransferBatch) (*domain.BatchResult, error) {
	if err := e.validate(batch); err != nil {
		return nil, err
	}

	log := e.log.With().Str("target_root", batch.TargetRoot).Logger()
	started := time.Now().UTC()

	if len(batch.Records) == 0 {
		log.Info().Msg("empty batch, nothing to transfer")
		res := domain.NewBatchResult(batch.TargetRoot, nil)
		res.StartedAt, res.FinishedAt = started, started
		return res, nil
	}

	log.Info().
		Int("records", len(batch.Records)).
		Int("max_workers", batch.MaxConcurrency).
		Dur("per_record_timeout", batch.PerRecordTimeout).
		Msg("starting transfer batch")

	var (
		failing  atomic.Bool
		mu       sync.Mutex
		first    *domain.TransferRecord
		firstErr error
	)
	fail := func(rec *domain.TransferRecord, err error) {
		mu.Lock()
		if firstErr == nil {
			first, firstErr = rec, err
		}
		mu.Unlock()
		failing.Store(true)
	}

	g := new(errgroup.Group)
	g.SetLimit(batch.MaxConcurrency)

	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil && !failing.Load() {
			log.Warn().Err(err).Msg("batch interrupted, skipping remaining records")
			fail(nil, err)
		}
		if failing.Load() {
			rec.Status = domain.RecordSkipped
			continue
		}

		g.Go(func() error {
			if failing.Load() {
				rec.Status = domain.RecordSkipped
				return nil
			}
			rec.Status = domain.RecordInProgress

			if err := e.transfer(ctx, rec, batch.PerRecordTimeout); err != nil {
				rec.Status = domain.RecordFailed
				rec.Err = err
				log.Error().Err(err).
					Int("record", rec.Seq).
					Str("kind", string(rec.Kind)).
					Str("source", rec.Source).
					Msg("record transfer failed")
				fail(rec, err)
				return nil
			}

			rec.Status = domain.RecordSucceeded
			return nil
		})
	}
	_ = g.Wait()

	res := domain.NewBatchResult(batch.TargetRoot, batch.Records)
	res.StartedAt = started

	if !failing.Load() {
		res.FinishedAt = time.Now().UTC()
		log.Info().
			Int("succeeded", res.Succeeded).
			Dur("elapsed", res.FinishedAt.Sub(started)).
			Msg("transfer batch completed")
		return res, nil
	}

	cleanupErr := e.cleaner.Clean(context.WithoutCancel(ctx), batch.TargetRoot)
	res.CleanedUp = cleanupErr == nil
	res.FinishedAt = time.Now().UTC()

	terr := &domain.TransferError{
		TargetRoot: batch.TargetRoot,
		Cause:      firstErr,
		Cleanup:    cleanupErr,
		Result:     res,
	}
	if first != nil {
		terr.Record, _ = outcome(res, first.Seq)
	}
	for _, o := range res.Records {
		if o.Status == domain.RecordFailed {
			terr.Failed = append(terr.Failed, o)
		}
	}

	log.Error().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Bool("cleaned_up", res.CleanedUp).
		Msg("transfer batch failed")
	return res, terr
}

func outcome(res *domain.BatchResult, seq int) (domain.RecordOutcome, bool) {
	for _, o := range res.Records {
		if o.Seq == seq {
			return o, true
		}
	}
	return domain.RecordOutcome{}, false
}

// transfer runs one record under its own timeout. The caller's cancellation
// is not propagated so an in-flight stream is never severed mid-write.
func (e *Engine) transfer(ctx context.Context, rec *domain.TransferRecord, timeout time.Duration) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log := e.log.With().Int("record", rec.Seq).Str("target", rec.Target).Logger()

	switch rec.Kind {
	case domain.KindObjectURL:
		body, size, err := e.fetcher.Open(rctx, rec.Source)
		if err != nil {
			return &domain.DownloadError{Source: rec.Source, Err: err}
		}
		defer body.Close()

		src := &readTracker{r: body}
		if err := e.gw.PutStream(rctx, rec.Target, src, size); err != nil {
			if src.err != nil {
				return &domain.DownloadError{Source: rec.Source, Err: src.err}
			}
			return &domain.UploadError{Target: rec.Target, Err: err}
		}
		log.Debug().Int64("size", size).Msg("object uploaded")
		return nil

	case domain.KindPrefixCopy:
		n, err := e.gw.CopyPrefix(rctx, rec.Source, rec.Target)
		if err != nil {
			return &domain.CopyError{Source: rec.Source, Target: rec.Target, Err: err}
		}
		if n == 0 {
			log.Warn().Str("source", rec.Source).Msg("source prefix is empty, copied 0 objects")
			return nil
		}
		log.Debug().Int("objects", n).Msg("prefix copied")
		return nil
	}
	return errors.New("unknown record kind " + string(rec.Kind))
}
