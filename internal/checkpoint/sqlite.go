package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	_ "modernc.org/sqlite"
)

const (
	sqliteInitTable = `CREATE TABLE IF NOT EXISTS checkpoints (
  source_id TEXT PRIMARY KEY,
  resume_token TEXT NOT NULL,
  committed_at TEXT NOT NULL
);`
	sqliteInitIndex = `CREATE INDEX IF NOT EXISTS checkpoints_committed_at_idx ON checkpoints (committed_at);`
)

// SQLiteStore persists checkpoints in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteInitTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteInitIndex); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoints index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sourceID string) (connector.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT resume_token, committed_at FROM checkpoints WHERE source_id = ?", sourceID)

	var token string
	var committedAt string
	if err := row.Scan(&token, &committedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return connector.Checkpoint{}, connector.ErrCheckpointNotFound
		}
		return connector.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	cp := connector.Checkpoint{SourceID: sourceID, Token: connector.ResumeToken(token)}
	if committedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, committedAt); err == nil {
			cp.CommittedAt = parsed
		}
	}
	return cp, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, sourceID string, token connector.ResumeToken) error {
	if token.IsZero() {
		return errors.New("resume token is required")
	}
	committedAt := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (source_id, resume_token, committed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET
		 resume_token = excluded.resume_token,
		 committed_at = excluded.committed_at
		 WHERE checkpoints.resume_token < excluded.resume_token`,
		sourceID, string(token), committedAt,
	)
	if err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]connector.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_id, resume_token, committed_at FROM checkpoints ORDER BY committed_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []connector.Checkpoint{}
	for rows.Next() {
		var sourceID string
		var token string
		var committedAt string
		if err := rows.Scan(&sourceID, &token, &committedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp := connector.Checkpoint{SourceID: sourceID, Token: connector.ResumeToken(token)}
		if committedAt != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, committedAt); err == nil {
				cp.CommittedAt = parsed
			}
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	return out, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimSpace(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
