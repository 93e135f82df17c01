package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps blobs in a single table. Expiry is lazy: expired
// rows are treated as absent and cleared when next touched.
type SQLiteStore struct {
	conn   *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn, logger: logger.With(slog.String("component", "kvstore"))}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER
	);`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate kv database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.conn.QueryRowContext(ctx,
		`SELECT value, expires_at FROM blobs WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		if _, err := s.conn.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
			s.logger.Warn("failed to clear expired key", slog.String("key", key), slog.String("error", err.Error()))
		}
		return "", ErrNotFound
	}

	return value, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO blobs (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiryArg(ttl))
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// A dead row would make the insert lose to a value nobody can
	// read, so expired entries are cleared first.
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM blobs WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("kv put-if-absent %q: %w", key, err)
	}

	result, err := s.conn.ExecContext(ctx,
		`INSERT INTO blobs (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, value, expiryArg(ttl))
	if err != nil {
		return false, fmt.Errorf("kv put-if-absent %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv put-if-absent %q: %w", key, err)
	}
	return n > 0, nil
}

func expiryArg(ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).Unix()
}
