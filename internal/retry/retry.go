// Package retry runs operations with exponential backoff, retrying only
// errors that look like transient network failures.
package retry

import (
	"context"
	"strings"
	"time"
)

// Options configures an Executor. Zero fields take defaults.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// ExtraPatterns are additional case-insensitive substrings that
	// mark an error as retryable.
	ExtraPatterns []string
	// OnRetry is invoked before each sleep with the attempt number
	// (1-based) and the error that triggered the retry. Returning a
	// non-nil error aborts immediately with that error, letting the
	// caller reclassify a transient-looking failure as fatal.
	OnRetry func(attempt int, err error) error
}

// DefaultOptions match the publish workflow defaults: three attempts,
// one second initial delay doubling up to thirty seconds.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

var networkPatterns = []string{
	"econnrefused",
	"enotfound",
	"etimedout",
	"econnreset",
	"socket hang up",
	"network error",
	"timeout",
	"connection refused",
	"connection reset",
}

// Executor retries operations per its Options.
type Executor struct {
	opts Options
}

// New builds an Executor, filling unset options with defaults.
func New(opts Options) *Executor {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Executor{opts: opts}
}

// Retryable reports whether err matches a known transient failure
// pattern. Matching is a case-insensitive substring check against the
// full error text.
func (e *Executor) Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range e.opts.ExtraPatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, a non-retryable error occurs, attempts
// are exhausted, or ctx is done. The error from the final attempt is
// returned unchanged so callers can match on it.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !e.Retryable(err) || attempt == e.opts.MaxAttempts {
			return err
		}
		if e.opts.OnRetry != nil {
			if abort := e.opts.OnRetry(attempt, err); abort != nil {
				return abort
			}
		}
		if serr := sleep(ctx, e.delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, e *Executor, op func() (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func() error {
		var opErr error
		out, opErr = op()
		return opErr
	})
	return out, err
}

// delay returns the backoff for the given 1-based attempt, capped at
// MaxDelay.
func (e *Executor) delay(attempt int) time.Duration {
	d := e.opts.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * e.opts.BackoffMultiplier)
		if d >= e.opts.MaxDelay {
			return e.opts.MaxDelay
		}
	}
	if d > e.opts.MaxDelay {
		return e.opts.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
