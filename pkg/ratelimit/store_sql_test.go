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
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	return store
}

func TestSQLStore_SetAndGetUsage(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	windowEnd := time.Now().Add(time.Minute).Truncate(time.Second)

	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 4, windowEnd))

	amount, end, err := store.GetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute)
	require.NoError(t, err)
	require.Equal(t, int64(4), amount)
	require.WithinDuration(t, windowEnd, end, time.Second)
}

func TestSQLStore_IncrementUsageAccumulates(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	amount, _, err := store.IncrementUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), amount)

	amount, _, err = store.IncrementUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), amount)
}

func TestSQLStore_GetUsageExpiredWindowResets(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 9, time.Now().Add(-time.Hour)))

	amount, end, err := store.GetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute)
	require.NoError(t, err)
	require.Equal(t, int64(0), amount)
	require.True(t, end.After(time.Now()))
}

func TestSQLStore_DeleteUsage(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 1, time.Now().Add(time.Minute)))
	require.NoError(t, store.DeleteUsage(ctx, ScopeSession, "sess-1"))

	amount, _, err := store.GetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute)
	require.NoError(t, err)
	require.Equal(t, int64(0), amount)
}

func TestSQLStore_DeleteExpired(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-1", LimitTypeRequest, WindowMinute, 1, time.Now().Add(-time.Hour)))
	require.NoError(t, store.SetUsage(ctx, ScopeSession, "sess-2", LimitTypeRequest, WindowMinute, 1, time.Now().Add(time.Hour)))

	require.NoError(t, store.DeleteExpired(ctx, time.Now()))

	amount, _, err := store.GetUsage(ctx, ScopeSession, "sess-2", LimitTypeRequest, WindowMinute)
	require.NoError(t, err)
	require.Equal(t, int64(1), amount)
}

func TestNewSQLStore_RejectsUnsupportedDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = NewSQLStore(db, "mongodb")
	require.Error(t, err)
}

func TestNewSQLStore_RejectsNilDB(t *testing.T) {
	_, err := NewSQLStore(nil, "sqlite3")
	require.Error(t, err)
}
