package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ArchiveStore keeps a durable copy of every flushed batch in Postgres.
// It sits off the hot path: the trail client calls it best-effort after a
// successful flush.
type ArchiveStore struct {
	db *sql.DB
}

// NewArchiveStore creates the store and runs its migration.
func NewArchiveStore(db *sql.DB) (*ArchiveStore, error) {
	s := &ArchiveStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenArchiveStore connects to Postgres at dsn.
func OpenArchiveStore(dsn string) (*ArchiveStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	return NewArchiveStore(db)
}

func (s *ArchiveStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_batches (
		batch_id TEXT PRIMARY KEY,
		entry_count INTEGER NOT NULL,
		successful INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		entry_hashes JSONB,
		entries JSONB,
		flushed_at TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SaveBatch implements Archiver.
func (s *ArchiveStore) SaveBatch(ctx context.Context, result *BatchResult, entries []*Entry) error {
	hashes, err := json.Marshal(result.EntryHashes)
	if err != nil {
		return fmt.Errorf("audit: serialize hashes: %w", err)
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("audit: serialize entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO audit_batches (batch_id, entry_count, successful, failed, entry_hashes, entries, flushed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (batch_id) DO NOTHING;`,
		result.BatchID, result.EntryCount, result.Successful, result.Failed,
		hashes, payload, result.Timestamp)
	return err
}

// ListRecent returns the most recently flushed batch results.
func (s *ArchiveStore) ListRecent(ctx context.Context, limit int) ([]*BatchResult, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT batch_id, entry_count, successful, failed, entry_hashes, flushed_at
	FROM audit_batches
	ORDER BY flushed_at DESC
	LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BatchResult
	for rows.Next() {
		var (
			result    BatchResult
			hashes    []byte
			flushedAt time.Time
		)
		if err := rows.Scan(&result.BatchID, &result.EntryCount, &result.Successful,
			&result.Failed, &hashes, &flushedAt); err != nil {
			return nil, err
		}
		result.Timestamp = flushedAt
		if len(hashes) > 0 {
			if err := json.Unmarshal(hashes, &result.EntryHashes); err != nil {
				return nil, fmt.Errorf("audit: decode hashes: %w", err)
			}
		}
		out = append(out, &result)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *ArchiveStore) Close() error { return s.db.Close() }
