package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore keeps records in the "records" table created by
// migrations/001_records.sql. Children are ordered by the seq column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed record store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (ps *PostgresStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := validatePath(path)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = ps.db.QueryRowContext(ctx, `SELECT value FROM records WHERE path = $1`, path).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return value, nil
}

func (ps *PostgresStore) Children(ctx context.Context, path string) ([]Child, error) {
	query := `
		SELECT key, value
		FROM records
		WHERE parent = $1
		ORDER BY seq
	`
	return ps.queryChildren(ctx, query, strings.Trim(path, "/"))
}

func (ps *PostgresStore) QueryByField(ctx context.Context, path, field string, value any) ([]Child, error) {
	want, err := encode(value)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT key, value
		FROM records
		WHERE parent = $1 AND value -> $2 = $3::jsonb
		ORDER BY seq
	`
	return ps.queryChildren(ctx, query, strings.Trim(path, "/"), field, string(want))
}

func (ps *PostgresStore) queryChildren(ctx context.Context, query string, args ...any) ([]Child, error) {
	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	result := []Child{}
	for rows.Next() {
		var c Child
		var value []byte
		if err := rows.Scan(&c.Key, &value); err != nil {
			return nil, err
		}
		c.Value = value
		result = append(result, c)
	}
	return result, rows.Err()
}

func (ps *PostgresStore) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := NewPushID()
	if err != nil {
		return "", err
	}
	if err := ps.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (ps *PostgresStore) Set(ctx context.Context, path string, value any) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}

	parent, key := Split(path)
	query := `
		INSERT INTO records (path, parent, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := ps.db.ExecContext(ctx, query, path, parent, key, string(data)); err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Update(ctx context.Context, path string, fields map[string]any) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}
	data, err := encode(fields)
	if err != nil {
		return err
	}

	parent, key := Split(path)
	query := `
		INSERT INTO records (path, parent, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE
		SET value = records.value || EXCLUDED.value,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := ps.db.ExecContext(ctx, query, path, parent, key, string(data)); err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Delete(ctx context.Context, path string) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}

	query := `DELETE FROM records WHERE path = $1 OR path LIKE $2 ESCAPE '\'`
	if _, err := ps.db.ExecContext(ctx, query, path, escapeLike(path)+"/%"); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
