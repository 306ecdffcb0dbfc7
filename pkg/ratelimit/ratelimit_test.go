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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, limits ...LimitRule) *DefaultTracker {
	t.Helper()
	tracker, err := NewTracker(&Config{Enabled: true, Limits: limits}, NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	return tracker
}

func TestTracker_RequestLimit(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeRequest, Window: WindowMinute, Limit: 3})

	for i := 0; i < 3; i++ {
		delay, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
		require.NoError(t, err)
		assert.Zero(t, delay, "request %d should not require a delay", i)
		require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{Requests: 1}))
	}

	delay, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0), "fourth request in the window should require a delay")
	assert.LessOrEqual(t, delay, time.Minute)
}

func TestTracker_TokenLimit(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeInputToken, Window: WindowHour, Limit: 1000})

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{InputTokens: 900}))
	delay, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, delay, "usage under the ceiling should not require a delay")

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{InputTokens: 200}))
	delay, err = tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0), "usage at/over the ceiling should require waiting out the window")
}

func TestTracker_MultiLayerLimits(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t,
		LimitRule{Type: LimitTypeRequest, Window: WindowMinute, Limit: 100},
		LimitRule{Type: LimitTypeInputToken, Window: WindowDay, Limit: 500},
	)

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{Requests: 1, InputTokens: 600}))

	delay, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0), "the exceeded token window should still force a delay even though the request window is fine")
}

func TestTracker_SeparateSessionsDoNotShareUsage(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeRequest, Window: WindowMinute, Limit: 1})

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{Requests: 1}))

	delay1, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Greater(t, delay1, time.Duration(0))

	delay2, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-2")
	require.NoError(t, err)
	assert.Zero(t, delay2, "a different session's usage must not bleed into this one")
}

func TestTracker_UserScopeSharesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeRequest, Window: WindowMinute, Limit: 1})

	require.NoError(t, tracker.RecordRequest(ctx, ScopeUser, "user-1", RequestUsage{Requests: 1}))

	delay, err := tracker.RequiredDelay(ctx, ScopeUser, "user-1")
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0), "subagents sharing a user scope must throttle coherently")
}

func TestTracker_Reset(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeRequest, Window: WindowMinute, Limit: 1})

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{Requests: 1}))
	delay, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0))

	require.NoError(t, tracker.Reset(ctx, ScopeSession, "sess-1"))

	delay, err = tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, delay, "a reset session should no longer be throttled")
}

func TestTracker_Disabled(t *testing.T) {
	ctx := context.Background()
	tracker, err := NewTracker(&Config{
		Enabled: false,
		Limits:  []LimitRule{{Type: LimitTypeRequest, Window: WindowMinute, Limit: 1}},
	}, NewMemoryStore(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{Requests: 5}))
	delay, err := tracker.RequiredDelay(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, delay, "a disabled tracker never advises a delay")
}

func TestTracker_EmptyIdentifierRejected(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeRequest, Window: WindowMinute, Limit: 1})

	_, err := tracker.RequiredDelay(ctx, ScopeSession, "")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	err = tracker.RecordRequest(ctx, ScopeSession, "", RequestUsage{Requests: 1})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestTracker_Snapshot(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(t, LimitRule{Type: LimitTypeOutputToken, Window: WindowHour, Limit: 100})

	require.NoError(t, tracker.RecordRequest(ctx, ScopeSession, "sess-1", RequestUsage{OutputTokens: 40}))

	usages, err := tracker.Snapshot(ctx, ScopeSession, "sess-1")
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, int64(40), usages[0].Current)
	assert.Equal(t, int64(60), usages[0].Remaining)
	assert.InDelta(t, 40.0, usages[0].Percentage, 0.01)
	assert.False(t, usages[0].Exceeded())
}

func TestTracker_NewTrackerValidation(t *testing.T) {
	_, err := NewTracker(nil, NewMemoryStore(), nil, nil)
	assert.Error(t, err)

	_, err = NewTracker(&Config{Enabled: true}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewTracker(&Config{
		Enabled: true,
		Limits:  []LimitRule{{Type: LimitTypeRequest, Window: WindowMinute, Limit: 0}},
	}, NewMemoryStore(), nil, nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMemoryStore_WindowExpiration(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 5, time.Now().Add(-time.Second)))

	current, windowEnd, err := store.GetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute)
	require.NoError(t, err)
	assert.Zero(t, current, "an expired window reports zero usage")
	assert.True(t, windowEnd.After(time.Now()))
}

func TestMemoryStore_IncrementAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	amount, _, err := store.IncrementUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), amount)

	amount, _, err = store.IncrementUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), amount)

	require.NoError(t, store.DeleteUsage(ctx, ScopeSession, "sess-1"))
	current, _, err := store.GetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute)
	require.NoError(t, err)
	assert.Zero(t, current)
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 1, time.Now().Add(-time.Hour)))
	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-2", LimitTypeRequest, WindowMinute, 1, time.Now().Add(time.Hour)))

	require.NoError(t, store.DeleteExpired(ctx, time.Now()))
	assert.Equal(t, 1, store.Size())
}

func TestHighestPercentage(t *testing.T) {
	usages := []WindowUsage{
		{Percentage: 10},
		{Percentage: 75},
		{Percentage: 40},
	}
	assert.InDelta(t, 75.0, HighestPercentage(usages), 0.01)
	assert.Zero(t, HighestPercentage(nil))
}
