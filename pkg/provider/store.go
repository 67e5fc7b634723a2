package provider

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore persists provider profiles in the shared state database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle. Call Init before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Init creates the providers table if it does not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS providers (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			name               TEXT NOT NULL UNIQUE,
			kind               TEXT NOT NULL DEFAULT 'openai',
			endpoint           TEXT NOT NULL DEFAULT '',
			api_key            TEXT NOT NULL DEFAULT '',
			model_id           TEXT NOT NULL,
			priority           INTEGER NOT NULL DEFAULT 0,
			daily_limit        INTEGER NOT NULL DEFAULT 0,
			monthly_limit      INTEGER NOT NULL DEFAULT 0,
			daily_used         INTEGER NOT NULL DEFAULT 0,
			monthly_used       INTEGER NOT NULL DEFAULT 0,
			last_daily_reset   TEXT NOT NULL DEFAULT '',
			last_monthly_reset TEXT NOT NULL DEFAULT '',
			is_active          INTEGER NOT NULL DEFAULT 1
		)`)
	if err != nil {
		return fmt.Errorf("create providers table: %w", err)
	}
	return nil
}

// Create inserts a profile and returns its assigned id.
func (s *SQLiteStore) Create(ctx context.Context, p *Profile) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO providers
			(name, kind, endpoint, api_key, model_id, priority,
			 daily_limit, monthly_limit, daily_used, monthly_used,
			 last_daily_reset, last_monthly_reset, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Kind, p.Endpoint, p.APIKey, p.ModelID, p.Priority,
		p.DailyLimit, p.MonthlyLimit, p.DailyUsed, p.MonthlyUsed,
		p.LastDailyReset, p.LastMonthlyReset, p.IsActive)
	if err != nil {
		return fmt.Errorf("insert provider %s: %w", p.Name, err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("provider insert id: %w", err)
	}
	return nil
}

// ListActive returns every active profile.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, endpoint, api_key, model_id, priority,
		       daily_limit, monthly_limit, daily_used, monthly_used,
		       last_daily_reset, last_monthly_reset, is_active
		FROM providers WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Endpoint, &p.APIKey,
			&p.ModelID, &p.Priority, &p.DailyLimit, &p.MonthlyLimit,
			&p.DailyUsed, &p.MonthlyUsed,
			&p.LastDailyReset, &p.LastMonthlyReset, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// ResetDaily zeroes the daily counter and stamps the reset date.
func (s *SQLiteStore) ResetDaily(ctx context.Context, id int64, date string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET daily_used = 0, last_daily_reset = ? WHERE id = ?`,
		date, id)
	if err != nil {
		return fmt.Errorf("reset daily usage for provider %d: %w", id, err)
	}
	return nil
}

// ResetMonthly zeroes the monthly counter and stamps the reset month.
func (s *SQLiteStore) ResetMonthly(ctx context.Context, id int64, month string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET monthly_used = 0, last_monthly_reset = ? WHERE id = ?`,
		month, id)
	if err != nil {
		return fmt.Errorf("reset monthly usage for provider %d: %w", id, err)
	}
	return nil
}

// IncrementUsage bumps both counters in one statement. The increment is
// atomic at the database, so concurrent successes all land even though
// the eligibility check itself stays unsynchronized.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET daily_used = daily_used + 1, monthly_used = monthly_used + 1 WHERE id = ?`,
		id)
	if err != nil {
		return fmt.Errorf("increment usage for provider %d: %w", id, err)
	}
	return nil
}

// SetActive toggles a profile without deleting its usage history.
func (s *SQLiteStore) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set provider %d active=%v: %w", id, active, err)
	}
	return nil
}
