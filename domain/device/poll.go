package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollCeiling  = 180 * time.Second
)

// PollConfig bounds a readiness poll.
type PollConfig struct {
	Interval time.Duration
	Ceiling  time.Duration
	Logger   *slog.Logger
	// RequireDown ignores ready readings until one check reported not ready or
	// failed. A device that has not started rebooting yet still reads ready.
	RequireDown bool
}

// CheckFunc reports whether the device is ready. Errors count as not ready.
type CheckFunc func(ctx context.Context) (bool, error)

// PollReady checks at a fixed interval until a check succeeds and returns
// the time elapsed since the call. The first check runs one interval after
// the call. When the ceiling expires first it returns
// ErrDeviceUnreachable; cancellation of ctx is returned as is. Each check is
// bounded by the interval.
func PollReady(ctx context.Context, cfg PollConfig, check CheckFunc) (time.Duration, error) {
	interval, ceiling := cfg.Interval, cfg.Ceiling
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultPollCeiling
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	lim := rate.NewLimiter(rate.Every(interval), 1)
	lim.Allow() // spend the initial burst token
	attempts := 0
	down := !cfg.RequireDown
	var lastErr error
	for {
		if err := lim.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				return time.Since(start), ctx.Err()
			}
			err := fmt.Errorf("%w: not ready after %s (%d checks)", ErrDeviceUnreachable, ceiling, attempts)
			if !down {
				err = fmt.Errorf("%w: device never went down", err)
			}
			if lastErr != nil {
				err = fmt.Errorf("%w: last check: %w", err, lastErr)
			}
			logger.Warn("device not recovered", "ceiling", ceiling, "checks", attempts)
			return time.Since(start), err
		}
		attempts++
		checkCtx, checkCancel := context.WithTimeout(pollCtx, interval)
		ok, err := check(checkCtx)
		checkCancel()
		if err != nil {
			lastErr = err
			down = true
			logger.Debug("readiness check failed", "attempt", attempts, "error", err)
			continue
		}
		if !ok {
			down = true
			continue
		}
		if down {
			elapsed := time.Since(start)
			logger.Info("device ready", "elapsed", elapsed, "checks", attempts)
			return elapsed, nil
		}
		logger.Debug("device still up from before the trigger", "attempt", attempts)
	}
}
