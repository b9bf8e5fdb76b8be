// Package api exposes the ingestion pipeline over HTTP: a streaming upload
// endpoint, document and search reads, and credential pool introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/studyloop/ingestd/internal/content"
	"github.com/studyloop/ingestd/internal/ingest"
	"github.com/studyloop/ingestd/internal/keypool"
	"github.com/studyloop/ingestd/internal/retrieval"
	"github.com/studyloop/ingestd/internal/storage"
)

const maxUploadBodySize = 24 << 20 // form overhead on top of the 20MB file cap

// Starter launches one ingestion job and returns its event stream.
type Starter interface {
	Start(ctx context.Context, req ingest.Request) *ingest.Stream
}

// Searcher answers similarity queries.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, documentIDs []string) ([]retrieval.Result, error)
}

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Store       *storage.Store
	Coordinator Starter
	Retriever   Searcher
	Pool        *keypool.Pool
	Token       string
	Logger      *slog.Logger
}

// NewHandler builds the router. All /api routes require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/documents", handleUpload(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/keys", handleKeys(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart PDF upload and streams pipeline events
// back as SSE until the job reaches a terminal state. Client disconnect
// cancels the request context, which the pipeline treats as a cancellation
// signal at its checkpoints.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		if err := r.ParseMultipartForm(maxUploadBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "parsing multipart form: %v", err)
			return
		}

		file, _, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}

		req := ingest.Request{
			OwnerID:         r.FormValue("ownerId"),
			Title:           strings.TrimSpace(r.FormValue("title")),
			Category:        content.Category(r.FormValue("category")),
			FileData:        data,
			CourseID:        r.FormValue("courseId"),
			InstitutionID:   r.FormValue("institutionId"),
			AnswersIncluded: r.FormValue("answersIncluded") == "true",
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		stream := deps.Coordinator.Start(r.Context(), req)

		// The stream must be drained to completion even when the client is
		// gone, or the pipeline goroutine blocks on its channel.
		writable := true
		for ev := range stream.Events() {
			if !writable {
				continue
			}
			if err := ingest.WriteFrame(w, ev); err != nil {
				deps.Logger.Debug("client went away mid-stream", "error", err)
				writable = false
				continue
			}
			flusher.Flush()
		}
	}
}

// documentResponse is the read model for one document record.
type documentResponse struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Title           string    `json:"title"`
	Category        string    `json:"category"`
	Status          string    `json:"status"`
	StatusMessage   string    `json:"statusMessage,omitempty"`
	ItemTypes       []string  `json:"itemTypes"`
	CourseID        string    `json:"courseId,omitempty"`
	InstitutionID   string    `json:"institutionId,omitempty"`
	AnswersIncluded bool      `json:"answersIncluded"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "document %s not found", id)
			return
		}
		if err != nil {
			deps.Logger.Error("loading document failed", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "loading document failed")
			return
		}

		itemTypes := []string{}
		if doc.ItemTypes != "" {
			if err := json.Unmarshal([]byte(doc.ItemTypes), &itemTypes); err != nil {
				deps.Logger.Warn("malformed item_types on record", "id", id, "error", err)
			}
		}

		writeJSON(w, http.StatusOK, documentResponse{
			ID:              doc.ID,
			OwnerID:         doc.OwnerID,
			Title:           doc.Title,
			Category:        doc.Category,
			Status:          doc.Status,
			StatusMessage:   doc.StatusMessage,
			ItemTypes:       itemTypes,
			CourseID:        doc.CourseID,
			InstitutionID:   doc.InstitutionID,
			AnswersIncluded: doc.AnswersIncluded,
			CreatedAt:       doc.CreatedAt,
			UpdatedAt:       doc.UpdatedAt,
		})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		topK := retrieval.DefaultTopK
		if raw := r.URL.Query().Get("topK"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 50 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "topK must be between 1 and 50")
				return
			}
			topK = n
		}

		var documentIDs []string
		if raw := r.URL.Query().Get("documentIds"); raw != "" {
			documentIDs = strings.Split(raw, ",")
		}

		results, err := deps.Retriever.Search(r.Context(), query, topK, documentIDs)
		if err != nil {
			deps.Logger.Error("search failed", "query", query, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "search failed")
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}

		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// handleKeys exposes the credential pool state for operators. Keys are
// masked by the pool itself.
func handleKeys(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credentials": deps.Pool.Snapshot()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
