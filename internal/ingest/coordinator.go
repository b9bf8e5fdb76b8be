package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/studyloop/ingestd/internal/content"
	"github.com/studyloop/ingestd/internal/extract"
	"github.com/studyloop/ingestd/internal/pdf"
	"github.com/studyloop/ingestd/internal/storage"
)

const (
	// DefaultMaxFileSize caps uploads at 20MB.
	DefaultMaxFileSize = 20 << 20

	// DefaultMaxConcurrentJobs bounds how many pipelines run at once.
	DefaultMaxConcurrentJobs = 4

	streamBuffer = 64
)

// Quota errors a QuotaService implementation returns.
var (
	ErrQuotaForbidden = errors.New("owner is not allowed to ingest documents")
	ErrQuotaExceeded  = errors.New("ingestion quota exhausted")
)

// QuotaService authorizes and consumes one ingestion from the owner's
// quota, returning the remaining count.
type QuotaService interface {
	Consume(ctx context.Context, ownerID string) (remaining int, err error)
}

// RecordStore is the durable-store surface the coordinator needs.
type RecordStore interface {
	CreateDocument(d storage.Document) error
	UpdateDocumentStatus(id, status, message string) error
	SetDocumentItemTypes(id string, types []string) error
	HasDocumentTitle(ownerID, title string) (bool, error)
	InsertKnowledgePoints(documentID string, points []content.KnowledgePoint) ([]string, error)
	InsertQuestions(documentID string, questions []content.Question) ([]string, error)
	UpsertCards(ownerID, documentID string, points []content.KnowledgePoint) error
	DeleteChunksForDocument(documentID string) error
}

// ItemExtractor is the structured extraction stage.
type ItemExtractor interface {
	Extract(ctx context.Context, category content.Category, pages []content.PageText, onProgress extract.ProgressFunc) ([]content.Item, error)
}

// Request describes one upload.
type Request struct {
	OwnerID         string
	Title           string
	Category        content.Category
	FileData        []byte
	CourseID        string
	InstitutionID   string
	AnswersIncluded bool
}

// Coordinator drives the stage sequence for one ingestion job and streams
// progress back to the caller.
type Coordinator struct {
	store        RecordStore
	pages        pdf.Extractor
	extractor    ItemExtractor
	orchestrator *Orchestrator
	quota        QuotaService
	sem          *semaphore.Weighted
	maxFileSize  int
	logger       *slog.Logger
}

// CoordinatorConfig tunes optional coordinator behavior.
type CoordinatorConfig struct {
	MaxFileSize       int
	MaxConcurrentJobs int
	Logger            *slog.Logger
}

// NewCoordinator wires the pipeline stages together. quota may be nil, in
// which case no quota is enforced.
func NewCoordinator(store RecordStore, pages pdf.Extractor, extractor ItemExtractor, orchestrator *Orchestrator, quota QuotaService, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		store:        store,
		pages:        pages,
		extractor:    extractor,
		orchestrator: orchestrator,
		quota:        quota,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		maxFileSize:  cfg.MaxFileSize,
		logger:       cfg.Logger,
	}
}

// Start launches the pipeline for one request and immediately returns its
// event stream. Processing continues independently of the caller except for
// ctx, which is the cancellation signal; the stream is closed on every exit
// path and the caller must drain it.
func (c *Coordinator) Start(ctx context.Context, req Request) *Stream {
	s := NewStream(streamBuffer)
	go c.run(ctx, req, s)
	return s
}

func (c *Coordinator) run(ctx context.Context, req Request, s *Stream) {
	defer s.Close()

	var documentID string
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ingestion pipeline panicked", "panic", r, "document", documentID)
			c.cleanup(documentID)
			c.fail(s, documentID, CodeInternalError, "an internal error occurred", nil)
		}
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	// Authorize and consume quota before doing any work. A quota backend
	// transport failure fails open: availability over strict accounting.
	if c.quota != nil {
		if _, err := c.quota.Consume(ctx, req.OwnerID); err != nil {
			switch {
			case errors.Is(err, ErrQuotaForbidden):
				c.fail(s, "", CodeForbidden, "you are not allowed to upload documents", err)
				return
			case errors.Is(err, ErrQuotaExceeded):
				c.fail(s, "", CodeQuotaExceeded, "upload quota exhausted", err)
				return
			default:
				c.logger.Warn("quota backend unreachable, failing open", "owner", req.OwnerID, "error", err)
			}
		}
	}

	// Client input validation. No record exists yet on these paths.
	if code, msg, ok := c.validate(req); !ok {
		c.fail(s, "", code, msg, nil)
		return
	}

	dup, err := c.store.HasDocumentTitle(req.OwnerID, req.Title)
	if err != nil {
		c.fail(s, "", CodeInternalError, "an internal error occurred", err)
		return
	}
	if dup {
		c.fail(s, "", CodeDuplicate, "a document with this title already exists", nil)
		return
	}

	documentID = uuid.New().String()
	doc := storage.Document{
		ID:              documentID,
		OwnerID:         req.OwnerID,
		Title:           req.Title,
		Category:        string(req.Category),
		Status:          storage.StatusParsing,
		CourseID:        req.CourseID,
		InstitutionID:   req.InstitutionID,
		AnswersIncluded: req.AnswersIncluded,
	}
	if err := c.store.CreateDocument(doc); err != nil {
		c.fail(s, "", CodeInternalError, "an internal error occurred", err)
		return
	}

	// Announce the record first so the caller can navigate to it before
	// heavy work begins.
	s.Emit(EventDocumentCreated, DocumentCreatedPayload{DocumentID: documentID})
	s.Emit(EventStatus, StatusPayload{Stage: "parsing", Message: "reading document"})

	pages, err := c.pages.Extract(ctx, req.FileData)
	if err != nil {
		c.fail(s, documentID, CodePDFParseError, "the document could not be parsed", err)
		return
	}
	if pdf.AllBlank(pages) {
		c.fail(s, documentID, CodeEmptyPDF, "the document contains no extractable text", nil)
		return
	}

	c.setStatus(documentID, storage.StatusProcessing, "extracting content")
	s.Emit(EventStatus, StatusPayload{Stage: "extracting", Message: fmt.Sprintf("analyzing %d pages", len(pages))})

	// Re-check cancellation before the expensive stage. Already cancelled
	// means a safe terminal status and a silent stop.
	if ctx.Err() != nil {
		c.setStatus(documentID, storage.StatusReady, "cancelled before extraction")
		return
	}

	// Model calls already dispatched are never aborted mid-flight;
	// cancellation is polled only at the defined checkpoints.
	items, err := c.extractor.Extract(context.WithoutCancel(ctx), req.Category, pages, func(done, total int) {
		s.Emit(EventProgress, ProgressPayload{Current: done, Total: total})
	})
	if err != nil {
		if errors.Is(err, extract.ErrRateLimited) {
			c.fail(s, documentID, CodeLLMQuotaExceeded, "the model provider is rate limited, try again later", err)
		} else {
			c.fail(s, documentID, CodeExtractionError, "content extraction failed", err)
		}
		return
	}

	for i, it := range items {
		s.Emit(EventItem, ItemPayload{Index: i, Type: it.TypeLabel(), Data: itemData(it)})
	}

	// Zero extracted items is a success, not an error.
	if len(items) == 0 {
		c.setStatus(documentID, storage.StatusReady, "no structured content found")
		s.Emit(EventStatus, StatusPayload{Stage: "complete", Message: "0 items extracted"})
		return
	}

	var count int
	switch req.Category {
	case content.CategoryLecture:
		done, ok := c.runLecture(ctx, req, documentID, items, s)
		if !ok {
			return
		}
		count = done
	default:
		done, ok := c.runQuestions(documentID, items, s)
		if !ok {
			return
		}
		count = done
	}

	c.setStatus(documentID, storage.StatusReady, "completed")
	s.Emit(EventStatus, StatusPayload{Stage: "complete", Message: fmt.Sprintf("%d items ingested", count)})
}

// runLecture persists knowledge points, upserts the searchable cards
// (best-effort), and runs embedding. Returns (count, false) when the
// pipeline already terminated.
func (c *Coordinator) runLecture(ctx context.Context, req Request, documentID string, items []content.Item, s *Stream) (int, bool) {
	points := make([]content.KnowledgePoint, 0, len(items))
	for _, it := range items {
		if it.Point != nil {
			points = append(points, *it.Point)
		}
	}

	if _, err := c.store.InsertKnowledgePoints(documentID, points); err != nil {
		c.cleanup(documentID)
		c.fail(s, documentID, CodeInternalError, "an internal error occurred", err)
		return 0, false
	}

	// Card upsert failures are logged, never fatal to the job.
	if err := c.store.UpsertCards(req.OwnerID, documentID, points); err != nil {
		c.logger.Warn("card upsert failed", "document", documentID, "error", err)
	}

	persisted, cancelled, err := c.orchestrator.Run(ctx, documentID, points, s.Emit)
	if err != nil {
		c.cleanup(documentID)
		c.fail(s, documentID, CodeInternalError, "an internal error occurred", err)
		return 0, false
	}
	if cancelled {
		// Cancelled with partial results still counts as ready.
		c.setStatus(documentID, storage.StatusReady,
			fmt.Sprintf("cancelled, %d of %d items ingested", persisted, len(points)))
		return 0, false
	}
	return len(points), true
}

// runQuestions bulk-inserts exam/assignment questions and writes the
// distinct item-type labels back onto the record.
func (c *Coordinator) runQuestions(documentID string, items []content.Item, s *Stream) (int, bool) {
	questions := make([]content.Question, 0, len(items))
	for _, it := range items {
		if it.Question != nil {
			questions = append(questions, *it.Question)
		}
	}

	if _, err := c.store.InsertQuestions(documentID, questions); err != nil {
		c.fail(s, documentID, CodeInternalError, "an internal error occurred", err)
		return 0, false
	}
	if err := c.store.SetDocumentItemTypes(documentID, content.DistinctQuestionTypes(questions)); err != nil {
		c.logger.Warn("writing item types failed", "document", documentID, "error", err)
	}
	return len(questions), true
}

func (c *Coordinator) validate(req Request) (Code, string, bool) {
	if !req.Category.Valid() {
		return CodeValidationError, "unknown document category", false
	}
	if req.OwnerID == "" || req.Title == "" {
		return CodeValidationError, "owner and title are required", false
	}
	if req.Category != content.CategoryLecture && req.CourseID == "" {
		return CodeCourseRequired, "a course is required for exams and assignments", false
	}
	if len(req.FileData) == 0 {
		return CodeValidationError, "no file data received", false
	}
	if len(req.FileData) > c.maxFileSize {
		return CodeFileTooLarge, "the uploaded file is too large", false
	}
	if !pdf.SniffPDF(req.FileData) {
		return CodeInvalidFile, "the uploaded file is not a PDF", false
	}
	return "", "", true
}

// fail moves the record (if any) to error first, then emits the error
// frame: persisted state and streamed state must never disagree.
func (c *Coordinator) fail(s *Stream, documentID string, code Code, message string, cause error) {
	if cause != nil {
		c.logger.Error("ingestion failed", "code", code, "document", documentID, "error", cause)
	}
	if documentID != "" {
		if err := c.store.UpdateDocumentStatus(documentID, storage.StatusError, message); err != nil {
			c.logger.Error("updating record status failed", "document", documentID, "error", err)
		}
	}
	s.Emit(EventError, ErrorPayload{Message: message, Code: code})
}

// setStatus updates the record status, logging rather than escalating a
// store failure.
func (c *Coordinator) setStatus(documentID, status, message string) {
	if err := c.store.UpdateDocumentStatus(documentID, status, message); err != nil {
		c.logger.Error("updating record status failed", "document", documentID, "status", status, "error", err)
	}
}

// cleanup removes partially created derived artifacts. Its own failures
// are swallowed.
func (c *Coordinator) cleanup(documentID string) {
	if documentID == "" {
		return
	}
	if err := c.store.DeleteChunksForDocument(documentID); err != nil {
		c.logger.Warn("cleanup of partial chunks failed", "document", documentID, "error", err)
	}
}

func itemData(it content.Item) any {
	if it.Point != nil {
		return it.Point
	}
	return it.Question
}
