package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/studyloop/ingestd/internal/ingest"
	"github.com/studyloop/ingestd/internal/keypool"
	"github.com/studyloop/ingestd/internal/retrieval"
	"github.com/studyloop/ingestd/internal/storage"
)

const testToken = "test-token"

type fakeStarter struct {
	events []ingest.Event
	gotReq ingest.Request
}

func (f *fakeStarter) Start(ctx context.Context, req ingest.Request) *ingest.Stream {
	f.gotReq = req
	s := ingest.NewStream(len(f.events) + 1)
	go func() {
		defer s.Close()
		for _, ev := range f.events {
			s.Emit(ev.Name, ev.Payload)
		}
	}()
	return s
}

type fakeSearcher struct {
	results []retrieval.Result
	gotTopK int
	gotDocs []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, topK int, documentIDs []string) ([]retrieval.Result, error) {
	f.gotTopK = topK
	f.gotDocs = documentIDs
	return f.results, nil
}

func newTestHandler(t *testing.T, starter Starter, searcher Searcher) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool, err := keypool.New([]string{"key-one-abcdef"})
	if err != nil {
		t.Fatalf("keypool.New: %v", err)
	}

	return NewHandler(Deps{
		Store:       store,
		Coordinator: starter,
		Retriever:   searcher,
		Pool:        pool,
		Token:       testToken,
	}), store
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func multipartUpload(t *testing.T, fields map[string]string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s): %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", "upload.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(fileData); err != nil {
		t.Fatalf("writing file part: %v", err)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestUploadStreamsEvents(t *testing.T) {
	starter := &fakeStarter{events: []ingest.Event{
		{Name: ingest.EventDocumentCreated, Payload: ingest.DocumentCreatedPayload{DocumentID: "doc-1"}},
		{Name: ingest.EventStatus, Payload: ingest.StatusPayload{Stage: "complete", Message: "5 items ingested"}},
	}}
	h, _ := newTestHandler(t, starter, &fakeSearcher{})

	body, contentType := multipartUpload(t, map[string]string{
		"ownerId":  "owner-1",
		"title":    "Calculus Week 1",
		"category": "lecture",
	}, []byte("%PDF-1.4 data"))

	req := authed(httptest.NewRequest(http.MethodPost, "/api/documents", body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	out := rec.Body.String()
	first := strings.Index(out, "event: document_created\ndata: {\"documentId\":\"doc-1\"}\n\n")
	second := strings.Index(out, "event: status\n")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("unexpected frame stream: %q", out)
	}

	if starter.gotReq.OwnerID != "owner-1" || starter.gotReq.Title != "Calculus Week 1" {
		t.Fatalf("request = %+v", starter.gotReq)
	}
	if string(starter.gotReq.FileData) != "%PDF-1.4 data" {
		t.Fatalf("file data = %q", starter.gotReq.FileData)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStarter{}, &fakeSearcher{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("title", "No File")
	mw.Close()

	req := authed(httptest.NewRequest(http.MethodPost, "/api/documents", &body))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStarter{}, &fakeSearcher{})

	for _, path := range []string{"/api/documents/doc-1", "/api/search?q=x", "/api/keys"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, rec.Code)
		}
	}

	// Health stays open for probes.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health: status = %d, want 200", rec.Code)
	}
}

func TestGetDocument(t *testing.T) {
	h, store := newTestHandler(t, &fakeStarter{}, &fakeSearcher{})
	err := store.CreateDocument(storage.Document{
		ID:       "doc-1",
		OwnerID:  "owner-1",
		Title:    "Statistics Midterm",
		Category: "exam",
		Status:   storage.StatusReady,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := store.SetDocumentItemTypes("doc-1", []string{"multiple_choice"}); err != nil {
		t.Fatalf("SetDocumentItemTypes: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/documents/doc-1", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got documentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.ID != "doc-1" || got.Status != storage.StatusReady || len(got.ItemTypes) != 1 {
		t.Fatalf("response = %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/documents/missing", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	searcher := &fakeSearcher{results: []retrieval.Result{
		{ChunkID: "c1", DocumentID: "d1", Title: "Variance", Text: "Variance\n...", Score: 0.8},
	}}
	h, _ := newTestHandler(t, &fakeStarter{}, searcher)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/search?q=variance&topK=3&documentIds=d1,d2", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if searcher.gotTopK != 3 || len(searcher.gotDocs) != 2 {
		t.Fatalf("topK = %d, docs = %v", searcher.gotTopK, searcher.gotDocs)
	}
	if !strings.Contains(rec.Body.String(), `"chunkId":"c1"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/search", nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q: status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/search?q=x&topK=500", nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized topK: status = %d, want 400", rec.Code)
	}
}

func TestKeysAreMasked(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStarter{}, &fakeSearcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/keys", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "key-one-abcdef") {
		t.Fatalf("raw key leaked: %s", body)
	}
	if !strings.Contains(body, `"state":"healthy"`) {
		t.Fatalf("body = %s", body)
	}
}
