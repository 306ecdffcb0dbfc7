// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	deflog "github.com/zbigniewsobiecki/llmist-sub002/pkg/logger"
)

// Config holds the rate-limit rules a Tracker enforces.
type Config struct {
	// Enabled controls whether the tracker advises any delay at all. A
	// disabled tracker still accepts RecordRequest calls (so usage keeps
	// accumulating) but RequiredDelay always returns zero.
	Enabled bool

	// Limits are the configured rules, one per (type, window) pair that
	// should be tracked.
	Limits []LimitRule
}

// LimitRule defines a single rate-limit ceiling.
type LimitRule struct {
	// Type is the kind of usage this rule caps.
	Type LimitType

	// Window is the time window this rule applies to.
	Window TimeWindow

	// Limit is the maximum amount allowed in the window.
	Limit int64
}

// DefaultTracker is the Tracker implementation shared by a root agent loop
// and its subagents.
type DefaultTracker struct {
	config  *Config
	store   Store
	metrics *Metrics
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewTracker creates a Tracker backed by store, enforcing cfg's rules.
// metrics may be nil to disable Prometheus instrumentation; logger may be
// nil, in which case the package default logger is used.
func NewTracker(cfg *Config, store Store, metrics *Metrics, logger *slog.Logger) (*DefaultTracker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ratelimit: config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	for i, limit := range cfg.Limits {
		if limit.Type == "" {
			return nil, NewValidationError(fmt.Sprintf("limits[%d].type", i), "must not be empty")
		}
		if limit.Window == "" {
			return nil, NewValidationError(fmt.Sprintf("limits[%d].window", i), "must not be empty")
		}
		if limit.Limit <= 0 {
			return nil, NewValidationError(fmt.Sprintf("limits[%d].limit", i), "must be positive")
		}
	}
	if logger == nil {
		logger = deflog.GetLogger()
	}
	return &DefaultTracker{config: cfg, store: store, metrics: metrics, logger: logger}, nil
}

// RequiredDelay implements Tracker.
//
// For a request-count limit, "admitting one more request" means checking
// current+1 against the ceiling: the next call's cost is known in advance
// (it is exactly one request). For a token limit, the next call's token
// cost is not known until it completes, so the conservative check is
// whether the window has already reached its ceiling.
func (t *DefaultTracker) RequiredDelay(ctx context.Context, scope Scope, identifier string) (time.Duration, error) {
	if !t.config.Enabled {
		return 0, nil
	}
	if identifier == "" {
		return 0, ErrInvalidIdentifier
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	var longest time.Duration

	for _, limit := range t.config.Limits {
		current, windowEnd, err := t.store.GetUsage(ctx, scope, identifier, limit.Type, limit.Window)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: get usage for %s/%s: %w", limit.Type, limit.Window, err)
		}
		if windowEnd.Before(now) {
			continue // window already expired, nothing pending against it
		}

		wouldExceed := false
		switch limit.Type {
		case LimitTypeRequest:
			wouldExceed = current+1 > limit.Limit
		default:
			wouldExceed = current >= limit.Limit
		}
		if !wouldExceed {
			continue
		}

		if remaining := windowEnd.Sub(now); remaining > longest {
			longest = remaining
		}
	}

	if longest > 0 {
		t.logger.DebugContext(ctx, "rate limit delay required",
			"scope", scope, "identifier", identifier, "delay", longest)
	}
	return longest, nil
}

// RecordRequest implements Tracker.
func (t *DefaultTracker) RecordRequest(ctx context.Context, scope Scope, identifier string, usage RequestUsage) error {
	if identifier == "" {
		return ErrInvalidIdentifier
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, limit := range t.config.Limits {
		amount, ok := usage.amountFor(limit.Type)
		if !ok || amount <= 0 {
			continue
		}

		_, windowEnd, err := t.store.GetUsage(ctx, scope, identifier, limit.Type, limit.Window)
		if err != nil {
			return fmt.Errorf("ratelimit: get usage for %s/%s: %w", limit.Type, limit.Window, err)
		}

		var newAmount int64
		var newEnd time.Time
		if windowEnd.Before(now) {
			newEnd = now.Add(limit.Window.Duration())
			if err := t.store.SetUsage(ctx, scope, identifier, limit.Type, limit.Window, amount, newEnd); err != nil {
				return fmt.Errorf("ratelimit: reset usage for %s/%s: %w", limit.Type, limit.Window, err)
			}
			newAmount = amount
		} else {
			newAmount, newEnd, err = t.store.IncrementUsage(ctx, scope, identifier, limit.Type, limit.Window, amount)
			if err != nil {
				return fmt.Errorf("ratelimit: increment usage for %s/%s: %w", limit.Type, limit.Window, err)
			}
		}

		if t.metrics != nil {
			t.metrics.observeUsage(scope, identifier, limit.Type, limit.Window, newAmount, limit.Limit, newEnd)
		}
	}

	return nil
}

// Snapshot implements Tracker.
func (t *DefaultTracker) Snapshot(ctx context.Context, scope Scope, identifier string) ([]WindowUsage, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	usages := make([]WindowUsage, 0, len(t.config.Limits))
	now := time.Now()

	for _, limit := range t.config.Limits {
		current, windowEnd, err := t.store.GetUsage(ctx, scope, identifier, limit.Type, limit.Window)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: get usage for %s/%s: %w", limit.Type, limit.Window, err)
		}
		if windowEnd.Before(now) {
			current = 0
			windowEnd = now.Add(limit.Window.Duration())
		}

		remaining := limit.Limit - current
		if remaining < 0 {
			remaining = 0
		}

		usages = append(usages, WindowUsage{
			LimitType:  limit.Type,
			Window:     limit.Window,
			Current:    current,
			Limit:      limit.Limit,
			WindowEnd:  windowEnd,
			Remaining:  remaining,
			Percentage: float64(current) / float64(limit.Limit) * 100,
		})
	}

	return usages, nil
}

// Reset implements Tracker.
func (t *DefaultTracker) Reset(ctx context.Context, scope Scope, identifier string) error {
	if identifier == "" {
		return ErrInvalidIdentifier
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.DeleteUsage(ctx, scope, identifier)
}

// ResetExpired implements Tracker.
func (t *DefaultTracker) ResetExpired(ctx context.Context, before time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.DeleteExpired(ctx, before)
}

// IsEnabled implements Tracker.
func (t *DefaultTracker) IsEnabled() bool {
	return t.config.Enabled
}

// Store returns the underlying store, primarily for tests.
func (t *DefaultTracker) Store() Store {
	return t.store
}
