package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFailedStore persists failed items in a local SQLite database so
// they survive process restarts.
type SQLiteFailedStore struct {
	db *sql.DB
}

// NewSQLiteFailedStore creates the store and runs its migration.
func NewSQLiteFailedStore(db *sql.DB) (*SQLiteFailedStore, error) {
	s := &SQLiteFailedStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteFailedStore opens (or creates) the database at path.
func OpenSQLiteFailedStore(path string) (*SQLiteFailedStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("retry: open sqlite: %w", err)
	}
	return NewSQLiteFailedStore(db)
}

func (s *SQLiteFailedStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS failed_items (
		provider TEXT NOT NULL,
		request_id TEXT NOT NULL,
		payload BLOB,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		first_attempt_at DATETIME,
		last_attempt_at DATETIME,
		results JSON,
		PRIMARY KEY (provider, request_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteFailedStore) Save(ctx context.Context, item *FailedItem) error {
	results, err := json.Marshal(item.Results)
	if err != nil {
		return fmt.Errorf("retry: serialize attempt results: %w", err)
	}
	query := `
	INSERT INTO failed_items
		(provider, request_id, payload, attempts, last_error, first_attempt_at, last_attempt_at, results)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (provider, request_id) DO UPDATE SET
		payload = excluded.payload,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		last_attempt_at = excluded.last_attempt_at,
		results = excluded.results;`
	_, err = s.db.ExecContext(ctx, query,
		item.Provider, item.RequestID, item.Payload, item.Attempts, item.LastError,
		item.FirstAttemptAt.UTC(), item.LastAttemptAt.UTC(), results)
	return err
}

func (s *SQLiteFailedStore) List(ctx context.Context) ([]*FailedItem, error) {
	query := `
	SELECT provider, request_id, payload, attempts, last_error, first_attempt_at, last_attempt_at, results
	FROM failed_items
	ORDER BY last_attempt_at ASC;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FailedItem
	for rows.Next() {
		var (
			item       FailedItem
			first, last time.Time
			results    []byte
		)
		if err := rows.Scan(&item.Provider, &item.RequestID, &item.Payload, &item.Attempts,
			&item.LastError, &first, &last, &results); err != nil {
			return nil, err
		}
		item.FirstAttemptAt = first
		item.LastAttemptAt = last
		if len(results) > 0 {
			if err := json.Unmarshal(results, &item.Results); err != nil {
				return nil, fmt.Errorf("retry: decode attempt results: %w", err)
			}
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *SQLiteFailedStore) Resolve(ctx context.Context, provider, requestID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM failed_items WHERE provider = ? AND request_id = ?;`,
		provider, requestID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteFailedStore) Close() error { return s.db.Close() }
