package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/studyloop/ingestd/internal/content"
	"github.com/studyloop/ingestd/internal/storage"
)

const (
	// DefaultEmbedBatchSize bounds how many texts go into one embedding
	// call. Tuned for model throughput, independently of the write batch.
	DefaultEmbedBatchSize = 16

	// DefaultWriteBatchSize bounds how many embedded chunks one store
	// write flushes. Tuned for store round-trips.
	DefaultWriteBatchSize = 3
)

// Embedder produces one vector per text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter flushes write batches of embedded chunks.
type ChunkWriter interface {
	InsertChunks(chunks []storage.Chunk) error
}

// Orchestrator embeds knowledge points and flushes them to the chunk store
// in bounded write batches.
type Orchestrator struct {
	embedder       Embedder
	chunks         ChunkWriter
	embedBatchSize int
	writeBatchSize int
	logger         *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Non-positive batch sizes fall
// back to the defaults.
func NewOrchestrator(embedder Embedder, chunks ChunkWriter, embedBatchSize, writeBatchSize int) *Orchestrator {
	if embedBatchSize <= 0 {
		embedBatchSize = DefaultEmbedBatchSize
	}
	if writeBatchSize <= 0 {
		writeBatchSize = DefaultWriteBatchSize
	}
	return &Orchestrator{
		embedder:       embedder,
		chunks:         chunks,
		embedBatchSize: embedBatchSize,
		writeBatchSize: writeBatchSize,
		logger:         slog.Default(),
	}
}

// Run embeds the points in order and persists them. It returns the number
// of chunks persisted and whether the run stopped on cancellation.
//
// Cancellation is polled before each embedding call; work already
// dispatched to the model is allowed to finish. On cancellation mid-loop
// whatever is already embedded is flushed as a valid partial result.
func (o *Orchestrator) Run(ctx context.Context, documentID string, points []content.KnowledgePoint, emit func(name string, payload any)) (int, bool, error) {
	total := len(points)
	persisted := 0
	batchIndex := 0
	var pending []storage.Chunk

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		ids := make([]string, len(pending))
		for i, c := range pending {
			ids[i] = c.ID
		}
		if err := o.chunks.InsertChunks(pending); err != nil {
			return fmt.Errorf("flushing chunk batch %d: %w", batchIndex, err)
		}
		emit(EventBatchSaved, BatchSavedPayload{ChunkIDs: ids, BatchIndex: batchIndex})
		persisted += len(pending)
		batchIndex++
		pending = pending[:0]
		return nil
	}

	for start := 0; start < total; start += o.embedBatchSize {
		if ctx.Err() != nil {
			// Partial ingestion is a success, not a failure.
			if err := flush(); err != nil {
				return persisted, true, err
			}
			o.logger.Info("embedding cancelled, partial results flushed",
				"document", documentID, "persisted", persisted, "total", total)
			return persisted, true, nil
		}

		end := min(start+o.embedBatchSize, total)
		batch := points[start:end]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = chunkText(p)
		}

		// The dispatched call itself is never aborted mid-flight.
		vectors, err := o.embedder.EmbedBatch(context.WithoutCancel(ctx), texts)
		if err != nil {
			if ferr := flush(); ferr != nil {
				o.logger.Warn("flushing after embedding failure also failed", "error", ferr)
			}
			return persisted, false, fmt.Errorf("embedding batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return persisted, false, fmt.Errorf("embedding batch at %d: expected %d vectors, got %d", start, len(batch), len(vectors))
		}

		for i, p := range batch {
			pending = append(pending, storage.Chunk{
				ID:         uuid.New().String(),
				DocumentID: documentID,
				PointTitle: p.Title,
				TextChunk:  texts[i],
				Embedding:  vectors[i],
			})
			emit(EventProgress, ProgressPayload{Current: start + i + 1, Total: total})
			if len(pending) >= o.writeBatchSize {
				if err := flush(); err != nil {
					return persisted, false, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return persisted, false, err
	}
	return persisted, false, nil
}

// chunkText renders a knowledge point as the text that gets embedded.
func chunkText(p content.KnowledgePoint) string {
	var b strings.Builder
	b.WriteString(p.Title)
	b.WriteString("\n")
	b.WriteString(p.Definition)
	if len(p.Concepts) > 0 {
		b.WriteString("\nConcepts: ")
		b.WriteString(strings.Join(p.Concepts, ", "))
	}
	if len(p.Formulas) > 0 {
		b.WriteString("\nFormulas: ")
		b.WriteString(strings.Join(p.Formulas, "; "))
	}
	return b.String()
}
