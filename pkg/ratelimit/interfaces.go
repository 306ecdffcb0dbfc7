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

package ratelimit

import (
	"context"
	"time"
)

// Tracker is the Rate-Limit Tracker (spec §4.4): windowed request/token
// bookkeeping queried before each LLM call and updated after each call
// completes. It is advisory, never a hard gate — RequiredDelay tells the
// caller how long to sleep, it never refuses the call outright.
//
// Implementations must be safe for concurrent use: a root agent and any
// number of subagents sharing one Tracker instance throttle coherently.
type Tracker interface {
	// RequiredDelay returns how long the caller must sleep before issuing
	// one more request under identifier so that doing so will not exceed
	// any configured window's ceiling. Zero means proceed immediately.
	RequiredDelay(ctx context.Context, scope Scope, identifier string) (time.Duration, error)

	// RecordRequest books usage against identifier's windows once a
	// request's final usage is known.
	RecordRequest(ctx context.Context, scope Scope, identifier string, usage RequestUsage) error

	// Snapshot returns current usage for every configured limit.
	Snapshot(ctx context.Context, scope Scope, identifier string) ([]WindowUsage, error)

	// Reset clears all usage for identifier, across every window.
	Reset(ctx context.Context, scope Scope, identifier string) error

	// ResetExpired deletes usage records whose window ended before the
	// given time. Intended to be called periodically for cleanup.
	ResetExpired(ctx context.Context, before time.Time) error

	// IsEnabled reports whether the tracker is configured to enforce any
	// limits. A disabled tracker always returns a zero RequiredDelay.
	IsEnabled() bool
}

// Store is the persistence layer behind a Tracker.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// GetUsage returns the current amount and window end time for a
	// specific limit. If no usage exists yet, it returns 0 and a window
	// end computed from now.
	GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error)

	// IncrementUsage adds amount to the current window's usage, rolling
	// over to a fresh window first if the current one has expired. It
	// returns the amount and window end time after the increment.
	IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error)

	// SetUsage overwrites the usage and window end for a specific limit,
	// used for explicit resets or window rollovers.
	SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error

	// DeleteUsage removes every record for an identifier, across all
	// limit types and windows.
	DeleteUsage(ctx context.Context, scope Scope, identifier string) error

	// DeleteExpired removes every record whose window ended before the
	// given time.
	DeleteExpired(ctx context.Context, before time.Time) error

	// Close releases resources held by the store.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ Tracker = (*DefaultTracker)(nil)
	_ Store   = (*MemoryStore)(nil)
	_ Store   = (*SQLStore)(nil)
)
