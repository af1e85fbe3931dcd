package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresuchdata/export2s3/internal/domain"
	"github.com/andresuchdata/export2s3/internal/storage"
)

const (
	DefaultCleanupAttempts = 3
	DefaultCleanupBackoff  = 500 * time.Millisecond
)

var errEmptyRoot = errors.New("refusing to clean an empty prefix")

// Cleaner removes everything under a target root. It is idempotent.
type Cleaner struct {
	gw       storage.Gateway
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewCleaner returns a cleaner that retries up to attempts times with a
// linear backoff. Non-positive values take the defaults; a negative backoff
// disables waiting.
func NewCleaner(gw storage.Gateway, attempts int, backoff time.Duration, log zerolog.Logger) *Cleaner {
	if attempts <= 0 {
		attempts = DefaultCleanupAttempts
	}
	if backoff == 0 {
		backoff = DefaultCleanupBackoff
	}
	if backoff < 0 {
		backoff = 0
	}
	return &Cleaner{
		gw:       gw,
		attempts: attempts,
		backoff:  backoff,
		log:      log.With().Str("component", "cleanup").Logger(),
	}
}

// Clean lists and deletes every object under root until the listing comes
// back empty or the attempts run out.
func (c *Cleaner) Clean(ctx context.Context, root string) error {
	loc, err := storage.ParseURI(root)
	if err != nil {
		return &domain.CleanupError{TargetRoot: root, Err: err}
	}
	if strings.Trim(loc.Key, "/") == "" {
		c.log.Error().Str("target_root", root).Msg("cleanup called with empty prefix")
		return &domain.CleanupError{TargetRoot: root, Err: errEmptyRoot}
	}
	loc.Key = loc.DirPrefix()
	dir := loc.String()

	log := c.log.With().Str("target_root", dir).Logger()

	var (
		lastErr   error
		remaining int
	)
	for attempt := 1; attempt <= c.attempts; attempt++ {
		objs, err := c.gw.ListPrefix(ctx, dir)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("cleanup listing failed")
		} else {
			remaining = len(objs)
			if remaining == 0 {
				if attempt > 1 {
					log.Info().Int("attempt", attempt).Msg("target root is empty")
				}
				return nil
			}

			log.Warn().Int("objects", remaining).Int("attempt", attempt).Msg("cleaning target root")
			deleted, err := c.gw.DeletePrefix(ctx, dir)
			if err != nil {
				lastErr = err
				log.Warn().Err(err).Int("deleted", deleted).Int("attempt", attempt).Msg("cleanup delete failed")
			}
		}

		if err := c.wait(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	objs, err := c.gw.ListPrefix(ctx, dir)
	switch {
	case err != nil:
		lastErr = err
	case len(objs) == 0:
		return nil
	default:
		remaining = len(objs)
		if lastErr == nil {
			lastErr = fmt.Errorf("%d object(s) still present", remaining)
		}
	}

	log.Error().Err(lastErr).Int("remaining", remaining).Msg("cleanup gave up")
	return &domain.CleanupError{TargetRoot: dir, Attempts: c.attempts, Remaining: remaining, Err: lastErr}
}

func (c *Cleaner) wait(ctx context.Context, attempt int) error {
	if attempt >= c.attempts || c.backoff == 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(attempt) * c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
