package retrieval

import (
	"context"
	"fmt"

	"github.com/studyloop/ingestd/internal/storage"
)

// DefaultTopK is the result count when the caller does not specify one.
const DefaultTopK = 5

// ChunkSearcher is the vector-search surface of the store.
type ChunkSearcher interface {
	SearchChunks(vector []float32, topK int, documentIDs []string) ([]storage.ScoredChunk, error)
}

// Result is one retrieved chunk with its similarity score.
type Result struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// Retriever combines query embedding and vector search.
type Retriever struct {
	embedder *Embedder
	store    ChunkSearcher
}

// NewRetriever creates a Retriever backed by the given Embedder and store.
func NewRetriever(embedder *Embedder, store ChunkSearcher) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Search embeds the query and returns the topK most similar chunks, best
// first. A non-empty documentIDs restricts the search to those documents.
func (r *Retriever) Search(ctx context.Context, query string, topK int, documentIDs []string) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := r.store.SearchChunks(vec, topK, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	results := make([]Result, len(scored))
	for i, sc := range scored {
		results[i] = Result{
			ChunkID:    sc.ID,
			DocumentID: sc.DocumentID,
			Title:      sc.PointTitle,
			Text:       sc.TextChunk,
			Score:      sc.Score,
		}
	}
	return results, nil
}
