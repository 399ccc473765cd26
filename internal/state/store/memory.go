package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidewheel/tidewheel/internal/state"
)

// MemoryStore is the SQLite-backed Memories implementation. Tags are
// stored as a JSON array.
type MemoryStore struct {
	db *DB
}

func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

func (s *MemoryStore) Add(content string, tags ...string) (*state.Memory, error) {
	id := "mem_" + uuid.New().String()
	now := time.Now().UTC()
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("memories: marshal tags: %w", err)
	}
	_, err = s.db.db.ExecContext(context.Background(),
		`INSERT INTO memories (id, content, tags, created_at) VALUES (?, ?, ?, ?)`,
		id, content, string(tagsJSON), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("memories: add: %w", err)
	}
	return &state.Memory{ID: id, Content: content, Tags: tags, CreatedAt: now}, nil
}

func (s *MemoryStore) Search(query string) ([]*state.Memory, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.db.QueryContext(context.Background(),
		`SELECT id, content, tags, created_at FROM memories
		 WHERE LOWER(content) LIKE ? ORDER BY created_at DESC`, pattern)
	if err != nil {
		return nil, fmt.Errorf("memories: search: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func (s *MemoryStore) List() ([]*state.Memory, error) {
	rows, err := s.db.db.QueryContext(context.Background(),
		`SELECT id, content, tags, created_at FROM memories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("memories: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func (s *MemoryStore) Delete(id string) error {
	res, err := s.db.db.ExecContext(context.Background(),
		`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memories: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %q not found", id)
	}
	return nil
}

func scanMemories(rows *sql.Rows) ([]*state.Memory, error) {
	var memories []*state.Memory
	for rows.Next() {
		var (
			m        state.Memory
			tagsJSON sql.NullString
			ts       string
		)
		if err := rows.Scan(&m.ID, &m.Content, &tagsJSON, &ts); err != nil {
			return nil, fmt.Errorf("memories: scan: %w", err)
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
				return nil, fmt.Errorf("memories: tags: %w", err)
			}
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			m.CreatedAt = parsed
		}
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}
