package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/andresuchdata/export2s3/internal/domain"
)

// MaxPolls is the upper bound on status requests for one job.
func MaxPolls(timeout, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	return int(math.Ceil(float64(timeout)/float64(interval))) + 1
}

// Poll queries job status every PollInterval until the job is terminal.
// Transient API failures are retried on the next tick; an explicit failure
// status ends the loop at once.
func (c *Client) Poll(ctx context.Context, job *domain.ExportJob) error {
	log := c.log.With().Str("job_id", job.ID).Logger()
	limit := MaxPolls(c.cfg.ExportTimeout, c.cfg.PollInterval)
	start := time.Now()

	log.Info().
		Dur("timeout", c.cfg.ExportTimeout).
		Dur("interval", c.cfg.PollInterval).
		Int("max_polls", limit).
		Msg("polling export job")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job.Advance(domain.JobPolling)
		job.Polls++

		st, err := c.status(ctx, job.ID)
		switch {
		case err != nil:
			var apiErr *domain.APIError
			if !errors.As(err, &apiErr) || !apiErr.Transient() || ctx.Err() != nil {
				job.Advance(domain.JobFailed)
				return err
			}
			log.Warn().Err(err).Int("poll", job.Polls).Msg("transient poll failure, retrying")

		default:
			log.Info().Str("status", st.Status).Int("poll", job.Polls).Msg("export job status")
			switch domain.ParseRemoteState(st.Status) {
			case domain.RemoteReady:
				job.Result = st.Result
				job.Advance(domain.JobReady)
				log.Info().Dur("elapsed", time.Since(start)).Msg("export job ready")
				return nil
			case domain.RemoteFailed:
				job.Advance(domain.JobFailed)
				detail, _ := json.Marshal(st)
				return &domain.PollFailedError{JobID: job.ID, Status: st.Status, Detail: string(detail)}
			}
		}

		elapsed := time.Since(start)
		if elapsed > c.cfg.ExportTimeout || job.Polls >= limit {
			job.Advance(domain.JobTimedOut)
			return &domain.PollTimeoutError{
				JobID:   job.ID,
				Polls:   job.Polls,
				Elapsed: elapsed,
				Timeout: c.cfg.ExportTimeout,
			}
		}

		select {
		case <-ctx.Done():
			job.Advance(domain.JobFailed)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run drives one export end to end: probe, create, poll. It returns the
// READY job together with its result split into raw items.
func (c *Client) Run(ctx context.Context) (*domain.ExportJob, []json.RawMessage, error) {
	if err := c.Probe(ctx); err != nil {
		return nil, nil, err
	}

	job, err := c.Create(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := c.Poll(ctx, job); err != nil {
		return job, nil, err
	}

	items, err := Items(job.Result)
	if err != nil {
		return job, nil, err
	}
	c.log.Info().Str("job_id", job.ID).Int("items", len(items)).Msg("export produced result items")
	return job, items, nil
}

// Items splits a result payload into raw items. A list yields its elements,
// an object is a single item and null yields nothing.
func Items(result json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &domain.PayloadFormatError{Index: -1, Reason: err.Error()}
		}
		return items, nil
	case '{':
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, &domain.PayloadFormatError{Index: -1, Reason: "result is neither an object nor a list"}
	}
}
