package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// HotStore is the pgvector-backed hot tier.
type HotStore struct {
	pool *pgxpool.Pool
}

// NewHotStore connects to Postgres and verifies the connection.
func NewHotStore(ctx context.Context, pgURL string) (*HotStore, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &HotStore{pool: pool}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *HotStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS knowledge_chunks (
			source_id   TEXT NOT NULL,
			chunk_index INT NOT NULL,
			owner_id    TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT 'document',
			source_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (source_id, chunk_index)
		)
	`, VectorDim))
	if err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_chunks_owner
		ON knowledge_chunks (owner_id, category)
	`)
	if err != nil {
		return fmt.Errorf("create owner index: %w", err)
	}

	// HNSW index for cosine similarity search
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_chunks_hnsw
		ON knowledge_chunks
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("hot vector store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *HotStore) Close() {
	s.pool.Close()
}

// CountChunks returns the chunk count for one (owner, category) pair.
func (s *HotStore) CountChunks(ctx context.Context, ownerID string, category Category) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM knowledge_chunks
		WHERE owner_id = $1 AND category = $2
	`, ownerID, string(category)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// InsertChunks stores a document's chunks in a single transaction.
func (s *HotStore) InsertChunks(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("mismatched batch sizes: chunks=%d vectors=%d", len(chunks), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, c := range chunks {
		vec := pgvector.NewVector(vectors[i])
		_, err := tx.Exec(ctx, `
			INSERT INTO knowledge_chunks (source_id, chunk_index, owner_id, category, source_name, content, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (source_id, chunk_index) DO UPDATE
			SET content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				created_at = EXCLUDED.created_at
		`, c.SourceID, c.Index, c.OwnerID, string(c.Category), c.Name, c.Text, vec, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %s/%d: %w", c.SourceID, c.Index, err)
		}
	}

	return tx.Commit(ctx)
}

// Search returns the topK chunks nearest the query vector for one owner,
// ordered ascending by cosine distance.
func (s *HotStore) Search(ctx context.Context, ownerID string, vec []float32, topK int) ([]Match, error) {
	qv := pgvector.NewVector(vec)
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, source_name, chunk_index, content, embedding <=> $2 AS distance
		FROM knowledge_chunks
		WHERE owner_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`, ownerID, qv, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.SourceID, &m.Name, &m.Index, &m.Text, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// DeleteSource removes all hot chunks for a source.
func (s *HotStore) DeleteSource(ctx context.Context, sourceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM knowledge_chunks WHERE source_id = $1", sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	return int(tag.RowsAffected()), nil
}

// SourcesOlderThan lists distinct source ids whose newest chunk predates
// the cutoff. Used by the archiver to select migration candidates.
func (s *HotStore) SourcesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id FROM knowledge_chunks
		GROUP BY source_id
		HAVING MAX(created_at) < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DumpSource reads back all chunks and vectors of one source, in chunk
// order, for migration to the archive.
func (s *HotStore) DumpSource(ctx context.Context, sourceID string) ([]Chunk, [][]float32, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, chunk_index, owner_id, category, source_name, content, embedding, created_at
		FROM knowledge_chunks
		WHERE source_id = $1
		ORDER BY chunk_index
	`, sourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("dump source %s: %w", sourceID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	var vectors [][]float32
	for rows.Next() {
		var c Chunk
		var category string
		var vec pgvector.Vector
		if err := rows.Scan(&c.SourceID, &c.Index, &c.OwnerID, &category, &c.Name, &c.Text, &vec, &c.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Category = Category(category)
		chunks = append(chunks, c)
		vectors = append(vectors, vec.Slice())
	}
	return chunks, vectors, rows.Err()
}
