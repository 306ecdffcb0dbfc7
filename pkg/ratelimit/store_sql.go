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
	"fmt"
	"time"
)

// SQLStore is a database/sql-backed Store, for deployments that need usage
// to survive a process restart or to be shared across multiple processes
// talking to the same database. It supports postgres, mysql, and sqlite3
// dialects; the caller owns the *sql.DB's lifecycle, and Close does not
// close it.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createRateLimitTableSQL = `
CREATE TABLE IF NOT EXISTS ratelimit_usage (
	scope       TEXT NOT NULL,
	identifier  TEXT NOT NULL,
	limit_type  TEXT NOT NULL,
	window_name TEXT NOT NULL,
	amount      BIGINT NOT NULL DEFAULT 0,
	window_end  TIMESTAMP NOT NULL,
	PRIMARY KEY (scope, identifier, limit_type, window_name)
)`

// NewSQLStore wraps db as a Store. dialect must be one of "postgres",
// "mysql", or "sqlite3"; it selects the placeholder and upsert syntax used
// for parameterized queries. The backing table is created, if it does not
// already exist, with one CREATE statement shared by every dialect.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("ratelimit: db is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("ratelimit: unsupported dialect %q", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if _, err := db.Exec(createRateLimitTableSQL); err != nil {
		return nil, fmt.Errorf("ratelimit: create table: %w", err)
	}
	return s, nil
}

// placeholder returns the n-th (1-indexed) positional placeholder for the
// store's dialect.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	query := fmt.Sprintf(
		`SELECT amount, window_end FROM ratelimit_usage WHERE scope = %s AND identifier = %s AND limit_type = %s AND window_name = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))

	var amount int64
	var windowEnd time.Time
	err := s.db.QueryRowContext(ctx, query, string(scope), identifier, string(limitType), string(window)).Scan(&amount, &windowEnd)
	if err == sql.ErrNoRows {
		return 0, time.Now().Add(window.Duration()), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: query usage: %w", err)
	}

	if windowEnd.Before(time.Now()) {
		return 0, time.Now().Add(window.Duration()), nil
	}
	return amount, windowEnd, nil
}

func (s *SQLStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	current, windowEnd, err := s.GetUsage(ctx, scope, identifier, limitType, window)
	if err != nil {
		return 0, time.Time{}, err
	}

	newAmount := current + amount
	if err := s.SetUsage(ctx, scope, identifier, limitType, window, newAmount, windowEnd); err != nil {
		return 0, time.Time{}, err
	}
	return newAmount, windowEnd, nil
}

func (s *SQLStore) SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	var upsert string
	switch s.dialect {
	case "postgres":
		upsert = fmt.Sprintf(`
			INSERT INTO ratelimit_usage (scope, identifier, limit_type, window_name, amount, window_end)
			VALUES (%s, %s, %s, %s, %s, %s)
			ON CONFLICT (scope, identifier, limit_type, window_name)
			DO UPDATE SET amount = EXCLUDED.amount, window_end = EXCLUDED.window_end`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	case "mysql":
		upsert = `
			INSERT INTO ratelimit_usage (scope, identifier, limit_type, window_name, amount, window_end)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE amount = VALUES(amount), window_end = VALUES(window_end)`
	default: // sqlite3
		upsert = `
			INSERT INTO ratelimit_usage (scope, identifier, limit_type, window_name, amount, window_end)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope, identifier, limit_type, window_name)
			DO UPDATE SET amount = excluded.amount, window_end = excluded.window_end`
	}

	_, err := s.db.ExecContext(ctx, upsert, string(scope), identifier, string(limitType), string(window), amount, windowEnd)
	if err != nil {
		return fmt.Errorf("ratelimit: upsert usage: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	query := fmt.Sprintf(`DELETE FROM ratelimit_usage WHERE scope = %s AND identifier = %s`,
		s.placeholder(1), s.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, string(scope), identifier)
	if err != nil {
		return fmt.Errorf("ratelimit: delete usage: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) error {
	query := fmt.Sprintf(`DELETE FROM ratelimit_usage WHERE window_end < %s`, s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return fmt.Errorf("ratelimit: delete expired usage: %w", err)
	}
	return nil
}

// Close does not close the underlying *sql.DB, which the caller owns; it
// exists only to satisfy the Store interface.
func (s *SQLStore) Close() error {
	return nil
}
