package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxStderrBytes caps the stderr kept per run.
const DefaultMaxStderrBytes = 16 * 1024

// Run is one completed process execution.
type Run struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
}

// RunLog records process runs.
type RunLog struct {
	db  *sql.DB
	now func() time.Time
}

func NewRunLog(db *sql.DB) *RunLog {
	return &RunLog{db: db, now: time.Now}
}

// Record appends r, assigning an id when it has none.
func (l *RunLog) Record(ctx context.Context, r *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("process name is empty")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = l.now()
	}
	stderr := r.Stderr
	if len(stderr) > DefaultMaxStderrBytes {
		stderr = stderr[len(stderr)-DefaultMaxStderrBytes:]
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO process_runs(id, name, source, started_at, duration_ms, exit_code, error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.Name, r.Source, r.StartedAt.UTC().Format(time.RFC3339Nano), r.Duration, r.ExitCode, r.Error, stderr)
	if err != nil {
		return fmt.Errorf("insert process run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs of name, newest first.
func (l *RunLog) Recent(ctx context.Context, name string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, name, source, started_at, duration_ms, exit_code, error, stderr
FROM process_runs
WHERE name = ?
ORDER BY started_at DESC
LIMIT ?;
`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query process runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate process runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		startedAtS string
		errS       sql.NullString
		stderr     sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Source, &startedAtS, &r.Duration, &r.ExitCode, &errS, &stderr); err != nil {
		return nil, err
	}
	startedAt, err := time.Parse(time.RFC3339Nano, startedAtS)
	if err != nil {
		return nil, fmt.Errorf("parse process_runs.started_at: %w", err)
	}
	r.StartedAt = startedAt
	r.Error = errS.String
	r.Stderr = stderr.String
	return &r, nil
}
