package service

import (
	"context"
	"errors"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"

	"github.com/cenkalti/backoff/v5"
)

// Compensator runs saga compensations with exponential backoff. A
// compensation keeps going after the request that triggered it is cancelled.
type Compensator struct {
	maxTries        uint
	initialInterval time.Duration
}

func NewCompensator(maxTries uint, initialInterval time.Duration) *Compensator {
	if maxTries == 0 {
		maxTries = 1
	}
	if initialInterval <= 0 {
		initialInterval = 100 * time.Millisecond
	}
	return &Compensator{maxTries: maxTries, initialInterval: initialInterval}
}

// Run calls fn until it succeeds, returns a business error, or runs out of
// tries. The final failure is logged at error level with attrs and returned.
func (c *Compensator) Run(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...any) error {
	ctx = context.WithoutCancel(ctx)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialInterval
	eb.MaxInterval = 5 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Compensation attempt failed, retrying",
				append([]any{"compensation", name, "attempt", attempt, "retryIn", next, "error", err}, attrs...)...)
		}),
	)
	if err != nil {
		logger.Error("Compensation failed",
			append([]any{"compensation", name, "attempts", attempt, "error", err}, attrs...)...)
		return err
	}
	if attempt > 1 {
		logger.Info("Compensation succeeded after retry", append([]any{"compensation", name, "attempts", attempt}, attrs...)...)
	}
	return nil
}

// permanent errors will not change on retry.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrInsufficientStock)
}
