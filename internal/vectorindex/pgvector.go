package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/josephjohncox/vectorwing/pkg/connector"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
)

// PgvectorIndex keeps embeddings in Postgres with the pgvector extension.
// Rows carry the originating resume token; upsert and remove are conditional
// on token advance, so replays and out-of-order deliveries converge on the
// highest-token state. Removals leave a tombstone row so a stale upsert
// arriving after the delete cannot resurrect the vector.
type PgvectorIndex struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPgvectorIndex(ctx context.Context, dsn string, dimensions int, logger *zap.Logger) (*PgvectorIndex, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if dimensions <= 0 {
		return nil, errors.New("vector dimensions must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure vector extension: %w", err)
	}
	initTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_records (
  index_name TEXT NOT NULL,
  document_id TEXT NOT NULL,
  embedding vector(%d),
  resume_token TEXT COLLATE "C" NOT NULL,
  deleted BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (index_name, document_id)
);`, dimensions)
	if _, err := pool.Exec(ctx, initTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create vector_records table: %w", err)
	}

	return &PgvectorIndex{pool: pool, logger: logger}, nil
}

func (p *PgvectorIndex) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PgvectorIndex) Upsert(ctx context.Context, record connector.VectorRecord) error {
	if record.Token.IsZero() {
		return errors.New("vector record token is required")
	}

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO vector_records (index_name, document_id, embedding, resume_token, deleted, updated_at)
		 VALUES ($1, $2, $3, $4, FALSE, now())
		 ON CONFLICT (index_name, document_id)
		 DO UPDATE SET embedding = EXCLUDED.embedding,
		               resume_token = EXCLUDED.resume_token,
		               deleted = FALSE,
		               updated_at = now()
		 WHERE vector_records.resume_token < EXCLUDED.resume_token`,
		record.IndexName, record.DocumentID, pgvector.NewVector(record.Vector), string(record.Token),
	)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.logger.Debug("stale vector upsert dropped",
			zap.String("index", record.IndexName),
			zap.String("document_id", record.DocumentID),
			zap.String("resume_token", string(record.Token)))
	}
	return nil
}

func (p *PgvectorIndex) Remove(ctx context.Context, indexName, documentID string, token connector.ResumeToken) error {
	if token.IsZero() {
		return errors.New("resume token is required")
	}

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO vector_records (index_name, document_id, embedding, resume_token, deleted, updated_at)
		 VALUES ($1, $2, NULL, $3, TRUE, now())
		 ON CONFLICT (index_name, document_id)
		 DO UPDATE SET embedding = NULL,
		               resume_token = EXCLUDED.resume_token,
		               deleted = TRUE,
		               updated_at = now()
		 WHERE vector_records.resume_token < EXCLUDED.resume_token`,
		indexName, documentID, string(token),
	)
	if err != nil {
		return fmt.Errorf("remove vector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.logger.Debug("stale vector removal dropped",
			zap.String("index", indexName),
			zap.String("document_id", documentID),
			zap.String("resume_token", string(token)))
	}
	return nil
}

// SearchResult is one similarity match.
type SearchResult struct {
	DocumentID string
	Distance   float64
}

// Search returns the k nearest live vectors by L2 distance.
func (p *PgvectorIndex) Search(ctx context.Context, indexName string, query []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := p.pool.Query(ctx,
		`SELECT document_id, embedding <-> $2 AS distance
		 FROM vector_records
		 WHERE index_name = $1 AND NOT deleted
		 ORDER BY distance
		 LIMIT $3`,
		indexName, pgvector.NewVector(query), k,
	)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	defer rows.Close()

	out := make([]SearchResult, 0, k)
	for rows.Next() {
		var result SearchResult
		if err := rows.Scan(&result.DocumentID, &result.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return out, nil
}
