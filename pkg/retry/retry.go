// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements the Retry Controller (spec.md §4.5): a pure
// delay calculator with no persistent state of its own, invoked by the
// Agent Loop's outer stream-retry loop (spec.md §4.7.1). The exponential-
// backoff-plus-jitter math and error-wrapping idiom follow the teacher's
// v2/rag/retry.go Retryer, generalized from a string-substring classifier
// to an explicit ShouldRetry hook per spec.md §4.5, and from a fixed
// base-delay doubling to the spec's min/max/factor formula.
package retry

import (
	"errors"
	"math/rand"
	"time"
)

// Config configures a Controller, matching spec.md §4.5's named fields.
type Config struct {
	// Retries is the maximum number of retry attempts after the first try
	// (so up to Retries+1 total attempts).
	Retries int

	// MinTimeout is the base delay used at attempt 1.
	MinTimeout time.Duration

	// MaxTimeout caps the computed delay, before jitter.
	MaxTimeout time.Duration

	// Factor is the exponential growth rate between attempts.
	Factor float64

	// Randomize multiplies the computed delay by a uniform factor in
	// [0.5, 1.5] when true.
	Randomize bool

	// RespectRetryAfter honors a server-issued retry hint (via
	// RetryAfterProvider) instead of the computed backoff, when present.
	RespectRetryAfter bool

	// MaxRetryAfterMs caps how long a respected Retry-After hint may
	// delay a retry.
	MaxRetryAfterMs int

	// ShouldRetry overrides the default retryability classification. Nil
	// means use DefaultShouldRetry.
	ShouldRetry func(err error) bool
}

// DefaultConfig returns the conservative defaults: 3 retries, 1s-30s
// exponential backoff with jitter, capped Retry-After of 60s.
func DefaultConfig() Config {
	return Config{
		Retries:           3,
		MinTimeout:        time.Second,
		MaxTimeout:        30 * time.Second,
		Factor:            2,
		Randomize:         true,
		RespectRetryAfter: true,
		MaxRetryAfterMs:   60_000,
	}
}

// Controller computes retry delays and classifies retryable errors. It
// holds no mutable state: every method is a pure function of its
// arguments, safe to share across goroutines and agents.
type Controller struct {
	cfg Config
}

// NewController creates a Controller from cfg, filling any zero-valued
// numeric field from DefaultConfig.
func NewController(cfg Config) *Controller {
	defaults := DefaultConfig()
	if cfg.Retries == 0 {
		cfg.Retries = defaults.Retries
	}
	if cfg.MinTimeout == 0 {
		cfg.MinTimeout = defaults.MinTimeout
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = defaults.MaxTimeout
	}
	if cfg.Factor == 0 {
		cfg.Factor = defaults.Factor
	}
	if cfg.MaxRetryAfterMs == 0 {
		cfg.MaxRetryAfterMs = defaults.MaxRetryAfterMs
	}
	return &Controller{cfg: cfg}
}

// MaxAttempts returns the total number of attempts (first try + retries).
func (c *Controller) MaxAttempts() int {
	return c.cfg.Retries + 1
}

// Delay computes how long to sleep before attempt n (1-indexed: the sleep
// that happens before the n-th retry, i.e. after the n-th failure). If
// c.cfg.RespectRetryAfter is set and err exposes a RetryAfterProvider hint,
// that hint (capped at MaxRetryAfterMs) is used instead of the computed
// backoff.
func (c *Controller) Delay(attempt int, err error) time.Duration {
	if c.cfg.RespectRetryAfter {
		var provider RetryAfterProvider
		if errors.As(err, &provider) {
			if hint, ok := provider.RetryAfter(); ok {
				cap := time.Duration(c.cfg.MaxRetryAfterMs) * time.Millisecond
				if hint > cap {
					hint = cap
				}
				if hint < 0 {
					hint = 0
				}
				return hint
			}
		}
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.cfg.MinTimeout)
	for i := 1; i < attempt; i++ {
		delay *= c.cfg.Factor
	}
	if max := float64(c.cfg.MaxTimeout); delay > max {
		delay = max
	}
	if c.cfg.Randomize {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// ShouldRetry classifies err as retryable. A caller-supplied
// Config.ShouldRetry always wins; otherwise DefaultShouldRetry applies.
func (c *Controller) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if c.cfg.ShouldRetry != nil {
		return c.cfg.ShouldRetry(err)
	}
	return DefaultShouldRetry(err)
}

// DefaultShouldRetry covers network-transient and rate-limit/overload
// error classes (spec.md §4.5), recognized via the sentinel errors in
// errors.go that a Transport implementation wraps its own failures with.
// context.Canceled/context.DeadlineExceeded are never retryable: they mean
// the caller gave up, not that the server hiccuped.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetworkTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrOverloaded)
}
