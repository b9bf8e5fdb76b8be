// Package retrieval embeds text through the credential pool and answers
// similarity queries over the persisted chunks.
package retrieval

import (
	"context"
	"fmt"

	"github.com/studyloop/ingestd/internal/keypool"
)

// EmbedClient is the embedding surface of the model API client.
type EmbedClient interface {
	EmbedBatch(ctx context.Context, apiKey, model string, texts []string) ([][]float32, error)
}

// Embedder generates embeddings via the credential pool so rate limits and
// bad keys are handled the same way for ingestion and queries.
type Embedder struct {
	client EmbedClient
	pool   *keypool.Pool
	model  string
}

// NewEmbedder creates an Embedder using the given client, pool, and model.
func NewEmbedder(client EmbedClient, pool *keypool.Pool, model string) *Embedder {
	return &Embedder{client: client, pool: pool, model: model}
}

// EmbedBatch returns one vector per text, in input order. Returns nil for
// empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := keypool.Do(ctx, e.pool, func(ctx context.Context, apiKey string) ([][]float32, error) {
		return e.client.EmbedBatch(ctx, apiKey, e.model, texts)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	return vectors, nil
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}
