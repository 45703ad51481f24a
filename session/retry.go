package session

import (
	"context"
	"errors"
	"time"

	"github.com/hillnz/yt-cast/castprotocol"
	"github.com/hillnz/yt-cast/resolver"
)

// RetryPolicy bounds retries of resolve and connect.
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (s *Session) withRetry(ctx context.Context, operation string, retryable func(error) bool, call func() error) error {
	attempts := s.opts.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	baseBackoff := max(s.opts.Retry.BaseBackoff, 0)
	maxBackoff := max(s.opts.Retry.MaxBackoff, baseBackoff)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= attempts || ctx.Err() != nil || !retryable(err) {
			break
		}

		backoff := backoffForAttempt(baseBackoff, maxBackoff, attempt)
		s.log.Warn().Str("Method", "withRetry").Str("Operation", operation).
			Int("Attempt", attempt+1).Int("Attempts", attempts).
			Dur("Backoff", backoff).Err(err).Msg("retrying")
		if waitErr := waitForBackoff(ctx, backoff); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func backoffForAttempt(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryableResolve(err error) bool {
	if errors.Is(err, resolver.ErrToolMissing) {
		return false
	}
	return errors.Is(err, resolver.ErrExternalToolFailure) || errors.Is(err, resolver.ErrTimeout)
}

func retryableConnect(err error) bool {
	return errors.Is(err, castprotocol.ErrUnreachable)
}
