package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// verdict is a backend's reading of one failed attempt.
type verdict int

const (
	// fail returns the error to the caller unchanged.
	fail verdict = iota
	// retry backs off and tries again; exhausted retries are unavailable.
	retry
	// unavailable stops immediately with ErrModelUnavailable.
	unavailable
)

type classifier func(error) verdict

// caller runs one backend request with rate limiting and backoff.
type caller struct {
	backend        string
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
	classify       classifier
	logger         *logging.Logger
}

func newCaller(backend string, cfg Config, classify classifier, logger *logging.Logger) *caller {
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &caller{
		backend:        backend,
		limiter:        limiter,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		classify:       classify,
		logger:         logger,
	}
}

func (c *caller) do(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", c.contextErr(ctx, lastErr)
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() == nil {
					// Wait refuses up front when the deadline is too close.
					return "", fmt.Errorf("%w: %s: %v", staging.ErrModelTimeout, c.backend, err)
				}
				return "", c.contextErr(ctx, err)
			}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", c.contextErr(ctx, err)
		}

		switch c.classify(err) {
		case unavailable:
			return "", fmt.Errorf("%w: %s: %v", staging.ErrModelUnavailable, c.backend, err)
		case fail:
			return "", fmt.Errorf("%s: %w", c.backend, err)
		}

		c.logger.Debug(ctx, "retrying inference request",
			zap.String("backend", c.backend),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return "", fmt.Errorf("%w: %s failed after %d attempts: %v",
		staging.ErrModelUnavailable, c.backend, c.maxRetries+1, lastErr)
}

// contextErr maps a finished context onto the taxonomy. A deadline is a
// timeout; cancellation is passed through.
func (c *caller) contextErr(ctx context.Context, cause error) error {
	err := ctx.Err()
	if err == nil {
		err = cause
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", staging.ErrModelTimeout, c.backend, err)
	}
	return err
}
