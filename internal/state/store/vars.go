package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidewheel/tidewheel/internal/state"
)

// VarStore is the SQLite-backed Variables implementation.
type VarStore struct {
	db *DB
}

func NewVarStore(db *DB) *VarStore {
	return &VarStore{db: db}
}

func (s *VarStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT value FROM variables WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("vars: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *VarStore) Set(ctx context.Context, key, value, note string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO variables (key, value, note, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, note = excluded.note, updated_at = excluded.updated_at`,
		key, value, note, now)
	if err != nil {
		return fmt.Errorf("vars: set %q: %w", key, err)
	}
	return nil
}

func (s *VarStore) Substitute(ctx context.Context, text string) (string, error) {
	var firstErr error
	out := state.PlaceholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := state.PlaceholderPattern.FindStringSubmatch(match)[1]
		val, ok, err := s.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if !ok {
			return match
		}
		return val
	})
	return out, firstErr
}

func (s *VarStore) List(ctx context.Context) ([]state.Variable, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT key, value, note, updated_at FROM variables ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("vars: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var vars []state.Variable
	for rows.Next() {
		var (
			v    state.Variable
			note sql.NullString
			ts   string
		)
		if err := rows.Scan(&v.Key, &v.Value, &note, &ts); err != nil {
			return nil, fmt.Errorf("vars: scan: %w", err)
		}
		v.Note = note.String
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			v.UpdatedAt = parsed
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}
