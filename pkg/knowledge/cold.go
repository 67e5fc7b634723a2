package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Archive is the durable cold tier. Vectors live as JSON arrays in a
// relational table; similarity is computed in-process, which is slow
// but acceptable for the rarely-hit fallback path.
type Archive struct {
	db *sql.DB
}

// NewArchive wraps an open SQLite handle.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Init creates the archive table if it doesn't exist.
func (a *Archive) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vector_archive (
			source_id   TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			owner_id    TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT 'document',
			source_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			embedding   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			last_accessed_at TEXT,
			PRIMARY KEY (source_id, chunk_index)
		);
		CREATE INDEX IF NOT EXISTS idx_archive_owner ON vector_archive (owner_id);
	`)
	if err != nil {
		return fmt.Errorf("create archive table: %w", err)
	}
	return nil
}

// HasSource reports whether a source is already archived. Lets the
// archiver skip sources a previous pass migrated.
func (a *Archive) HasSource(ctx context.Context, sourceID string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_archive WHERE source_id = ?", sourceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check archived source: %w", err)
	}
	return n > 0, nil
}

// InsertChunks writes a source's chunks in one transaction.
func (a *Archive) InsertChunks(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("mismatched batch sizes: chunks=%d vectors=%d", len(chunks), len(vectors))
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		blob, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("marshal vector %s/%d: %w", c.SourceID, c.Index, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO vector_archive
			(source_id, chunk_index, owner_id, category, source_name, content, embedding, created_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.SourceID, c.Index, c.OwnerID, string(c.Category), c.Name, c.Text,
			string(blob), c.CreatedAt.UTC().Format(time.RFC3339), now)
		if err != nil {
			return fmt.Errorf("archive chunk %s/%d: %w", c.SourceID, c.Index, err)
		}
	}

	return tx.Commit()
}

// Search scans all archived vectors for an owner and ranks them by
// cosine distance computed in-process.
func (a *Archive) Search(ctx context.Context, ownerID string, vec []float32, topK int) ([]Match, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT source_id, source_name, chunk_index, content, embedding
		FROM vector_archive
		WHERE owner_id = ?
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var blob string
		if err := rows.Scan(&m.SourceID, &m.Name, &m.Index, &m.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		var stored []float32
		if err := json.Unmarshal([]byte(blob), &stored); err != nil {
			return nil, fmt.Errorf("decode archived vector %s/%d: %w", m.SourceID, m.Index, err)
		}
		m.Distance = 1 - cosineSimilarity(vec, stored)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	if len(matches) > 0 {
		now := time.Now().UTC().Format(time.RFC3339)
		for _, m := range matches {
			// Best effort; access tracking is advisory only.
			a.db.ExecContext(ctx,
				"UPDATE vector_archive SET last_accessed_at = ? WHERE source_id = ? AND chunk_index = ?",
				now, m.SourceID, m.Index)
		}
	}

	return matches, nil
}

// DeleteSource removes all archived chunks for a source.
func (a *Archive) DeleteSource(ctx context.Context, sourceID string) (int, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM vector_archive WHERE source_id = ?", sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete archived source %s: %w", sourceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
