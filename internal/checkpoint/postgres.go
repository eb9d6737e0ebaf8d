package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/josephjohncox/vectorwing/pkg/connector"
)

// PostgresStore persists checkpoints in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Load(ctx context.Context, sourceID string) (connector.Checkpoint, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT resume_token, committed_at FROM checkpoints WHERE source_id = $1", sourceID)

	var token string
	var committed time.Time
	if err := row.Scan(&token, &committed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connector.Checkpoint{}, connector.ErrCheckpointNotFound
		}
		return connector.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	return connector.Checkpoint{
		SourceID:    sourceID,
		Token:       connector.ResumeToken(token),
		CommittedAt: committed,
	}, nil
}

// Commit overwrites the single row for the source, but only with a strictly
// higher token. Stale commits after a restart race are dropped silently.
func (p *PostgresStore) Commit(ctx context.Context, sourceID string, token connector.ResumeToken) error {
	if token.IsZero() {
		return errors.New("resume token is required")
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO checkpoints (source_id, resume_token, committed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source_id)
		 DO UPDATE SET resume_token = EXCLUDED.resume_token, committed_at = EXCLUDED.committed_at
		 WHERE checkpoints.resume_token < EXCLUDED.resume_token`,
		sourceID, string(token), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]connector.Checkpoint, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT source_id, resume_token, committed_at FROM checkpoints ORDER BY committed_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	items := make([]connector.Checkpoint, 0)
	for rows.Next() {
		var cp connector.Checkpoint
		var token string
		if err := rows.Scan(&cp.SourceID, &token, &cp.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Token = connector.ResumeToken(token)
		items = append(items, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return items, nil
}

func (p *PostgresStore) Reset(ctx context.Context, sourceID string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM checkpoints WHERE source_id = $1", sourceID); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}
