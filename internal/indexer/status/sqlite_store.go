package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists health records in the indexer_status table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated database connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectColumns = `indexer_id, initial_failure, most_recent_failure, escalation_level,
	disabled_till, cookies, cookies_expiration`

func (s *SQLiteStore) Get(ctx context.Context, indexerID int64) (*IndexerStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM indexer_status WHERE indexer_id = ?`, indexerID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load indexer status: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, st *IndexerStatus) error {
	var cookies sql.NullString
	if len(st.Cookies) > 0 {
		b, err := json.Marshal(st.Cookies)
		if err != nil {
			return fmt.Errorf("failed to encode cookies: %w", err)
		}
		cookies = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_status (indexer_id, initial_failure, most_recent_failure, escalation_level,
			disabled_till, cookies, cookies_expiration, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(indexer_id) DO UPDATE SET
			initial_failure = excluded.initial_failure,
			most_recent_failure = excluded.most_recent_failure,
			escalation_level = excluded.escalation_level,
			disabled_till = excluded.disabled_till,
			cookies = excluded.cookies,
			cookies_expiration = excluded.cookies_expiration,
			updated_at = excluded.updated_at`,
		st.IndexerID,
		toMillis(st.InitialFailure),
		toMillis(st.MostRecentFailure),
		st.EscalationLevel,
		toMillis(st.DisabledTill),
		cookies,
		toMillis(st.CookiesExpiration),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save indexer status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*IndexerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM indexer_status ORDER BY indexer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexer statuses: %w", err)
	}
	defer rows.Close()

	var out []*IndexerStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indexer status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, indexerID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM indexer_status WHERE indexer_id = ?`, indexerID); err != nil {
		return fmt.Errorf("failed to delete indexer status: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*IndexerStatus, error) {
	var (
		st                                      IndexerStatus
		initial, recent, disabled, cookiesUntil sql.NullInt64
		cookies                                 sql.NullString
	)
	if err := row.Scan(&st.IndexerID, &initial, &recent, &st.EscalationLevel, &disabled, &cookies, &cookiesUntil); err != nil {
		return nil, err
	}
	st.InitialFailure = fromMillis(initial)
	st.MostRecentFailure = fromMillis(recent)
	st.DisabledTill = fromMillis(disabled)
	st.CookiesExpiration = fromMillis(cookiesUntil)
	if cookies.Valid && cookies.String != "" {
		if err := json.Unmarshal([]byte(cookies.String), &st.Cookies); err != nil {
			return nil, fmt.Errorf("failed to decode cookies: %w", err)
		}
	}
	return &st, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
