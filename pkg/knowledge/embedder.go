// Package knowledge turns raw tenant documents into retrievable context.
//
// Documents are chunked on sentence boundaries, embedded via an HTTP
// embedding service, and stored in two tiers: a pgvector-backed hot tier
// answering approximate nearest-neighbor queries, and a durable SQLite
// archive that old vectors migrate to. Search prefers the hot tier and
// falls back to an in-process cosine scan of the archive when a source
// has been migrated.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "

	// VectorDim is the embedding dimension produced by the configured
	// model (all-MiniLM-L6-v2).
	VectorDim = 384
)

// Embedder produces fixed-length vectors for texts. Implemented by
// TEIClient in production and by fakes in tests.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// TEIClient is an HTTP client for a Text Embeddings Inference service.
type TEIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTEIClient creates a new TEI client with a bounded request timeout.
func NewTEIClient(baseURL string) *TEIClient {
	return &TEIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type embedRequest struct {
	Inputs interface{} `json:"inputs"` // string or []string
}

func (c *TEIClient) embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var embeddings [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return embeddings, nil
}

// EmbedDocuments generates embeddings for multiple chunks in one batch.
func (c *TEIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, PrefixDocument)
}

// EmbedQuery generates an embedding for a search query.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	results, err := c.embed(ctx, []string{text}, PrefixQuery)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return results[0], nil
}

// Health checks whether the embedding service is reachable.
func (c *TEIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
