// Package ratelimit provides mechanisms for controlling the rate of API
// requests to external services, implemented on top of Uber's rate limiter.
//
// Exchanges enforce a per-account or per-IP request quota. The downloader
// creates a single RateLimiter per run and shares it between every fetch job,
// so concurrent jobs draw from one request budget instead of multiplying it.
// The pkg/httpclient package calls Wait before every outgoing request.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/ratelimit"
)

// Rate represents a rate limit configuration: Limit operations are permitted
// per Interval.
//
// For example, a Limit of 100 with an Interval of time.Minute means 100
// operations are allowed per minute.
type Rate struct {
	Limit    int
	Interval time.Duration
}

// RateLimiter controls the pace of operations by forcing callers to wait when
// necessary to comply with the configured rate.
//
// Implementations must be safe for concurrent use; a single limiter is shared
// by all fetch jobs of a run.
type RateLimiter interface {
	// Wait blocks until an operation is permitted or the context is cancelled.
	// It returns nil once a token has been acquired, or a context-related
	// error if the context was cancelled first.
	Wait(ctx context.Context) error

	// SetLimit updates the rate limiting configuration at runtime. It returns
	// an error if the provided rate is invalid (non-positive limit or
	// interval).
	SetLimit(limit Rate) error
}

// uberLimiter implements RateLimiter using Uber's token bucket limiter.
type uberLimiter struct {
	limiter ratelimit.Limiter
	rate    Rate
}

// NewTokenBucketLimiter creates a new rate limiter using Uber's token bucket
// implementation. The provided Rate is converted to operations per second as
// required by the underlying limiter; 120 operations per minute becomes 2
// operations per second.
//
// Example usage:
//
//	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Rate{
//		Limit:    10,
//		Interval: time.Second,
//	})
//
//	if err := limiter.Wait(ctx); err != nil {
//		return err
//	}
//	// proceed with the API call
func NewTokenBucketLimiter(rate Rate) RateLimiter {
	rps := float64(rate.Limit) / rate.Interval.Seconds()
	if rps < 1 {
		rps = 1
	}
	return &uberLimiter{
		limiter: ratelimit.New(int(rps)),
		rate:    rate,
	}
}

// Wait implements the RateLimiter interface.
func (l *uberLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	default:
		l.limiter.Take()
		return nil
	}
}

// SetLimit implements the RateLimiter interface.
func (l *uberLimiter) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}
	rps := float64(rate.Limit) / rate.Interval.Seconds()
	if rps < 1 {
		rps = 1
	}
	l.limiter = ratelimit.New(int(rps))
	l.rate = rate
	return nil
}
