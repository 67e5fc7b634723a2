package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// Category separates tenant knowledge into budget pools.
type Category string

const (
	CategoryDocument Category = "document"
	CategoryProduct  Category = "product"
)

// ErrQuotaExceeded is returned when an ingestion would push a tenant
// past its per-category chunk budget. Nothing is written.
var ErrQuotaExceeded = errors.New("knowledge: chunk quota exceeded")

// Chunk is one bounded slice of source text with its position.
type Chunk struct {
	OwnerID   string
	SourceID  string
	Name      string
	Index     int
	Text      string
	Category  Category
	CreatedAt time.Time
}

// Match is a retrieval hit, ordered ascending by cosine distance.
type Match struct {
	SourceID string
	Name     string
	Index    int
	Text     string
	Distance float64
}

// IngestInput is a request to store one extracted document.
type IngestInput struct {
	OwnerID   string   `validate:"required"`
	SourceID  string   `validate:"required"`
	Name      string   `validate:"required"`
	Text      string   `validate:"required"`
	Category  Category `validate:"oneof=document product"`
	MaxChunks int      `validate:"gt=0"`
}

// IngestResult reports what an ingestion stored.
type IngestResult struct {
	ChunksStored int
	TotalChunks  int // total for the (owner, category) pair after the write
}

type hotTier interface {
	CountChunks(ctx context.Context, ownerID string, category Category) (int, error)
	InsertChunks(ctx context.Context, chunks []Chunk, vectors [][]float32) error
	Search(ctx context.Context, ownerID string, vec []float32, topK int) ([]Match, error)
	DeleteSource(ctx context.Context, sourceID string) (int, error)
}

type coldTier interface {
	Search(ctx context.Context, ownerID string, vec []float32, topK int) ([]Match, error)
	DeleteSource(ctx context.Context, sourceID string) (int, error)
}

// Store is the two-tier knowledge store facade. All dependencies are
// injected at construction.
type Store struct {
	hot      hotTier
	cold     coldTier
	embedder Embedder
	validate *validator.Validate
}

// NewStore creates a knowledge store over the given tiers and embedder.
func NewStore(hot hotTier, cold coldTier, embedder Embedder) *Store {
	return &Store{
		hot:      hot,
		cold:     cold,
		embedder: embedder,
		validate: validator.New(),
	}
}

// StoreDocument chunks, embeds and stores one document. The write is
// all-or-nothing: a quota breach or an embedding failure stores no
// chunks, and the caller marks the source as errored.
func (s *Store) StoreDocument(ctx context.Context, in IngestInput) (*IngestResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("validate ingest input: %w", err)
	}

	chunks := ChunkText(in.Text, DefaultMaxChunkLen)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no usable chunks in %q", in.Name)
	}

	existing, err := s.hot.CountChunks(ctx, in.OwnerID, in.Category)
	if err != nil {
		return nil, fmt.Errorf("count existing chunks: %w", err)
	}
	if existing+len(chunks) > in.MaxChunks {
		return nil, fmt.Errorf("%w: have %d, adding %d, budget %d",
			ErrQuotaExceeded, existing, len(chunks), in.MaxChunks)
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	now := time.Now().UTC()
	records := make([]Chunk, len(chunks))
	for i, text := range chunks {
		records[i] = Chunk{
			OwnerID:   in.OwnerID,
			SourceID:  in.SourceID,
			Name:      in.Name,
			Index:     i,
			Text:      text,
			Category:  in.Category,
			CreatedAt: now,
		}
	}

	if err := s.hot.InsertChunks(ctx, records, vectors); err != nil {
		return nil, fmt.Errorf("insert chunks for %s: %w", in.SourceID, err)
	}

	slog.Info("document stored",
		"source", in.SourceID,
		"name", in.Name,
		"category", in.Category,
		"chunks", len(chunks),
	)
	return &IngestResult{
		ChunksStored: len(chunks),
		TotalChunks:  existing + len(chunks),
	}, nil
}

// SearchSimilar returns up to topK chunks nearest to the query for one
// owner. Results come from exactly one tier: the hot store, or a cosine
// scan of the cold archive when the hot store returns nothing (a source
// may have been archived out from under the query).
// Errors degrade to an empty result so answer generation can proceed
// with no context.
func (s *Store) SearchSimilar(ctx context.Context, ownerID, query string, topK int) []Match {
	if topK <= 0 {
		topK = 5
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, returning no context", "error", err)
		return nil
	}

	matches, err := s.hot.Search(ctx, ownerID, vec, topK)
	if err != nil {
		slog.Warn("hot tier search failed", "owner", ownerID, "error", err)
		matches = nil
	}
	if len(matches) > 0 {
		return matches
	}

	matches, err = s.cold.Search(ctx, ownerID, vec, topK)
	if err != nil {
		slog.Warn("cold tier search failed", "owner", ownerID, "error", err)
		return nil
	}
	return matches
}

// DeleteSource removes every chunk of a source from both tiers.
func (s *Store) DeleteSource(ctx context.Context, sourceID string) (int, error) {
	hotN, err := s.hot.DeleteSource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete hot chunks for %s: %w", sourceID, err)
	}
	coldN, err := s.cold.DeleteSource(ctx, sourceID)
	if err != nil {
		return hotN, fmt.Errorf("delete archived chunks for %s: %w", sourceID, err)
	}
	return hotN + coldN, nil
}
