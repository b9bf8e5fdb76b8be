// Package extract turns ordered page texts into schema-validated structured
// items through batched calls to the generative model.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/studyloop/ingestd/internal/content"
	"github.com/studyloop/ingestd/internal/genai"
	"github.com/studyloop/ingestd/internal/keypool"
)

// ErrRateLimited marks an extraction failure caused by upstream rate
// limiting or quota exhaustion, so the coordinator can surface it with its
// own error code.
var ErrRateLimited = errors.New("model provider rate limited")

// DefaultPageBatchSize is the page-count threshold below which one model
// call covers the whole document.
const DefaultPageBatchSize = 10

// CompletionClient is the slice of the model client the extractor needs.
type CompletionClient interface {
	Complete(ctx context.Context, apiKey string, req genai.CompletionRequest) (string, error)
}

// ProgressFunc reports (batchesDone, batchesTotal) after each batch.
type ProgressFunc func(done, total int)

// Extractor batches pages and extracts structured items via the key pool.
type Extractor struct {
	client    CompletionClient
	pool      *keypool.Pool
	model     string
	batchSize int
	logger    *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBatchSize overrides the page batch size.
func WithBatchSize(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Extractor calling model through pool.
func New(client CompletionClient, pool *keypool.Pool, model string, opts ...Option) *Extractor {
	e := &Extractor{
		client:    client,
		pool:      pool,
		model:     model,
		batchSize: DefaultPageBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs one model call per page batch, sequentially in page order,
// and concatenates the validated items in batch order. For lectures the
// result is deduplicated by case-insensitive title after all batches
// complete. onProgress, if non-nil, is called after each batch.
func (e *Extractor) Extract(ctx context.Context, category content.Category, pages []content.PageText, onProgress ProgressFunc) ([]content.Item, error) {
	batches := splitBatches(pages, e.batchSize)
	system := systemPrompt(category)

	var items []content.Item
	for i, batch := range batches {
		raw, err := keypool.Do(ctx, e.pool, func(callCtx context.Context, apiKey string) (string, error) {
			return e.client.Complete(callCtx, apiKey, genai.CompletionRequest{
				Model: e.model,
				Messages: []genai.Message{
					{Role: "system", Content: system},
					{Role: "user", Content: userPrompt(batch)},
				},
			})
		})
		if err != nil {
			return nil, classify(err)
		}

		items = append(items, e.parseItems(category, raw)...)
		if onProgress != nil {
			onProgress(i+1, len(batches))
		}
	}

	if category == content.CategoryLecture {
		items = dedupeItems(items)
	}
	return items, nil
}

// splitBatches cuts pages into fixed-size, page-order-preserving batches.
// A document at or under the batch size yields a single batch.
func splitBatches(pages []content.PageText, size int) [][]content.PageText {
	if len(pages) == 0 {
		return nil
	}
	if len(pages) <= size {
		return [][]content.PageText{pages}
	}
	var out [][]content.PageText
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		out = append(out, pages[start:end])
	}
	return out
}

// parseItems decodes a model response under the strict-JSON-array contract.
// A non-array root yields an empty result; entries failing schema
// validation are dropped individually.
func (e *Extractor) parseItems(category content.Category, raw string) []content.Item {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &entries); err != nil {
		e.logger.Warn("model response is not a JSON array, skipping batch", "error", err)
		return nil
	}

	items := make([]content.Item, 0, len(entries))
	for i, entry := range entries {
		item, err := decodeItem(category, entry)
		if err != nil {
			e.logger.Warn("dropping invalid extracted entry", "index", i, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items
}

func decodeItem(category content.Category, entry json.RawMessage) (content.Item, error) {
	var v any
	if err := json.Unmarshal(entry, &v); err != nil {
		return content.Item{}, err
	}

	if category == content.CategoryLecture {
		if err := pointSchema.Validate(v); err != nil {
			return content.Item{}, err
		}
		var p content.KnowledgePoint
		if err := json.Unmarshal(entry, &p); err != nil {
			return content.Item{}, err
		}
		return content.NewPointItem(p), nil
	}

	if err := questSchema.Validate(v); err != nil {
		return content.Item{}, err
	}
	var q content.Question
	if err := json.Unmarshal(entry, &q); err != nil {
		return content.Item{}, err
	}
	return content.NewQuestionItem(q), nil
}

func dedupeItems(items []content.Item) []content.Item {
	points := make([]content.KnowledgePoint, 0, len(items))
	for _, it := range items {
		if it.Point != nil {
			points = append(points, *it.Point)
		}
	}
	deduped := content.DedupePoints(points)
	out := make([]content.Item, len(deduped))
	for i, p := range deduped {
		out[i] = content.NewPointItem(p)
	}
	return out
}

// stripFences removes a markdown code fence around the payload and trims to
// the outermost JSON array, tolerating prose before and after it.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start >= 0 && end > start && (start > 0 || end < len(s)-1) {
		// Only cut when there is actually surrounding junk and the payload
		// still looks like an array.
		candidate := s[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return s
}

// classify maps a model-call failure to one of the two shapes the
// coordinator distinguishes: rate-limit/quota vs. everything else.
func classify(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || quotaMessage(apiErr.Message) {
			return errors.Join(ErrRateLimited, err)
		}
	}
	if errors.Is(err, keypool.ErrExhausted) && apiErr == nil {
		// Pool drained with no surviving provider error: treat as transient.
		return errors.Join(ErrRateLimited, err)
	}
	return err
}

func quotaMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "quota") ||
		strings.Contains(m, "rate limit") ||
		strings.Contains(m, "resource_exhausted")
}
