package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a single-file Store for deployments without a redis server.
// The hash model maps onto one table keyed by (k, field).
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	k     TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (k, field)
);`

// NewSQLite opens (and if needed initializes) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrUnavailable, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv WHERE k = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", ErrUnavailable, key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, key, err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %v", ErrUnavailable, key, err)
	}
	return out, nil
}

func (s *SQLite) GetField(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE k = ? AND field = ?`, key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: select %s %s: %v", ErrUnavailable, key, field, err)
	}
	return value, true, nil
}

func (s *SQLite) SetField(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, field, value) VALUES (?, ?, ?)
		 ON CONFLICT (k, field) DO UPDATE SET value = excluded.value`,
		key, field, value)
	if err != nil {
		return fmt.Errorf("%w: upsert %s %s: %v", ErrUnavailable, key, field, err)
	}
	return nil
}

func (s *SQLite) DeleteFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fields)), ",")
	args := make([]interface{}, 0, len(fields)+1)
	args = append(args, key)
	for _, f := range fields {
		args = append(args, f)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM kv WHERE k = ? AND field IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("%w: delete fields of %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLite) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLite) FlushAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

var _ Store = (*SQLite)(nil)
