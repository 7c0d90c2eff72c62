// Package state persists daemon state in SQLite: the documents behind
// persisted data endpoints and the log of process runs.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const DefaultMaxDocBytes = 1 << 20 // 1 MiB

// DocStore keeps one JSON document per data endpoint.
type DocStore struct {
	db          *sql.DB
	maxDocBytes int
}

func NewDocStore(db *sql.DB) *DocStore {
	return &DocStore{
		db:          db,
		maxDocBytes: DefaultMaxDocBytes,
	}
}

// Load returns the stored document for name. ok is false if none was saved.
func (s *DocStore) Load(ctx context.Context, name string) (doc map[string]any, ok bool, err error) {
	if name == "" {
		return nil, false, fmt.Errorf("endpoint name is empty")
	}

	var raw string
	err = s.db.QueryRowContext(ctx, "SELECT doc FROM endpoint_state WHERE name = ?;", name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read endpoint state: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("stored state is invalid JSON for endpoint=%q: %w", name, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, true, nil
}

// Save replaces the stored document for name.
func (s *DocStore) Save(ctx context.Context, name string, doc map[string]any) error {
	if name == "" {
		return fmt.Errorf("endpoint name is empty")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal endpoint state: %w", err)
	}
	if len(b) > s.maxDocBytes {
		return fmt.Errorf("endpoint state exceeds max size (%d bytes)", s.maxDocBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO endpoint_state(name, doc, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  doc = excluded.doc,
  updated_at = excluded.updated_at;
`, name, string(b), now)
	if err != nil {
		return fmt.Errorf("upsert endpoint state: %w", err)
	}
	return nil
}

// Names lists endpoints with a stored document.
func (s *DocStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM endpoint_state ORDER BY name;")
	if err != nil {
		return nil, fmt.Errorf("list endpoint state: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
