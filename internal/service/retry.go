package service

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/timmy/bulkimport/internal/config"
)

// RetryStrategy decides how long a retryable tracker or batch waits before
// its next attempt.
type RetryStrategy struct {
	kind       string
	base       time.Duration
	max        time.Duration
	maxRetries int
}

// NewRetryStrategy builds the strategy configured under bulk_import.retry.
func NewRetryStrategy(cfg config.RetryConfig) *RetryStrategy {
	s := &RetryStrategy{kind: cfg.Strategy, base: cfg.BaseDelay, max: cfg.MaxDelay, maxRetries: cfg.MaxRetries}
	if s.kind == "" {
		s.kind = "exponential"
	}
	if s.base <= 0 {
		s.base = 30 * time.Second
	}
	if s.max < s.base {
		s.max = s.base
	}
	return s
}

// Exhausted reports whether a unit that already retried `retries` times
// must not be retried again. Zero max retries means no limit.
func (s *RetryStrategy) Exhausted(retries int) bool {
	return s.maxRetries > 0 && retries >= s.maxRetries
}

// Delay returns the wait before retry number retries+1. A delay requested by
// the error itself wins when it is longer.
func (s *RetryStrategy) Delay(retries int, requested time.Duration) time.Duration {
	d := s.base
	if s.kind == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.base
		b.MaxInterval = s.max
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		for i := 0; i <= retries; i++ {
			d = b.NextBackOff()
		}
	}
	if requested > d {
		return requested
	}
	return d
}
