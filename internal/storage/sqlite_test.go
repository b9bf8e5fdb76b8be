package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studyloop/ingestd/internal/content"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestDocument(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateDocument(Document{
		ID:       id,
		OwnerID:  "owner-1",
		Title:    "Graph Theory Lecture 3",
		Category: "lecture",
		Status:   StatusParsing,
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestDocumentRoundtrip(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	d, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.Title != "Graph Theory Lecture 3" || d.Status != StatusParsing {
		t.Errorf("unexpected document: %+v", d)
	}

	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	if err := s.UpdateDocumentStatus("doc-1", StatusProcessing, "extracting"); err != nil {
		t.Fatalf("transition to processing failed: %v", err)
	}
	if err := s.UpdateDocumentStatus("doc-1", StatusReady, "done"); err != nil {
		t.Fatalf("transition to ready failed: %v", err)
	}

	// No edge leaves ready.
	if err := s.UpdateDocumentStatus("doc-1", StatusProcessing, "again"); err != nil {
		t.Fatalf("update after terminal status should be a no-op, got %v", err)
	}
	d, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.Status != StatusReady || d.StatusMessage != "done" {
		t.Errorf("terminal status was overwritten: %+v", d)
	}

	if err := s.UpdateDocumentStatus("missing", StatusError, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestHasDocumentTitle(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	got, err := s.HasDocumentTitle("owner-1", "graph theory lecture 3")
	if err != nil {
		t.Fatalf("HasDocumentTitle failed: %v", err)
	}
	if !got {
		t.Error("expected a case-insensitive match for the owner's title")
	}

	if got, _ := s.HasDocumentTitle("owner-2", "Graph Theory Lecture 3"); got {
		t.Error("titles must be scoped per owner")
	}

	// A failed document frees up its title for a retry.
	if err := s.UpdateDocumentStatus("doc-1", StatusError, "parse failed"); err != nil {
		t.Fatalf("UpdateDocumentStatus failed: %v", err)
	}
	if got, _ := s.HasDocumentTitle("owner-1", "Graph Theory Lecture 3"); got {
		t.Error("errored documents must not count as duplicates")
	}
}

func TestSetDocumentItemTypes(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	if err := s.SetDocumentItemTypes("doc-1", []string{"multiple_choice", "short_answer"}); err != nil {
		t.Fatalf("SetDocumentItemTypes failed: %v", err)
	}
	d, _ := s.GetDocument("doc-1")
	if d.ItemTypes != `["multiple_choice","short_answer"]` {
		t.Errorf("item_types = %q", d.ItemTypes)
	}
}

func TestInsertKnowledgePointsPreservesOrder(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	points := []content.KnowledgePoint{
		{Title: "BFS", Definition: "breadth-first search", SourcePages: []int{1, 2}},
		{Title: "DFS", Definition: "depth-first search"},
	}
	ids, err := s.InsertKnowledgePoints("doc-1", points)
	if err != nil {
		t.Fatalf("InsertKnowledgePoints failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	n, err := s.CountItems("doc-1")
	if err != nil || n != 2 {
		t.Errorf("CountItems = %d, %v", n, err)
	}
}

func TestInsertQuestions(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	questions := []content.Question{
		{OrderNum: 1, Content: "Define a spanning tree.", Points: 10, Type: "short_answer"},
		{OrderNum: 2, Content: "Pick the MST algorithm.", Options: []string{"Kruskal", "Bubble sort"}, Points: 5, Type: "multiple_choice"},
	}
	ids, err := s.InsertQuestions("doc-1", questions)
	if err != nil {
		t.Fatalf("InsertQuestions failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	n, err := s.CountItems("doc-1")
	if err != nil || n != 2 {
		t.Errorf("CountItems = %d, %v", n, err)
	}
}

func TestUpsertCardsByCaseInsensitiveTitle(t *testing.T) {
	s := openTestStore(t)

	first := []content.KnowledgePoint{{Title: "Dijkstra", Definition: "old definition"}}
	if err := s.UpsertCards("owner-1", "doc-1", first); err != nil {
		t.Fatalf("UpsertCards failed: %v", err)
	}

	// Same title, different case: replaces rather than duplicates.
	second := []content.KnowledgePoint{{Title: "dijkstra", Definition: "new definition"}}
	if err := s.UpsertCards("owner-1", "doc-2", second); err != nil {
		t.Fatalf("second UpsertCards failed: %v", err)
	}

	n, err := s.CountCards("owner-1")
	if err != nil {
		t.Fatalf("CountCards failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 card after case-insensitive upsert, got %d", n)
	}

	// A different owner gets their own card.
	if err := s.UpsertCards("owner-2", "doc-3", first); err != nil {
		t.Fatalf("UpsertCards for second owner failed: %v", err)
	}
	if n, _ := s.CountCards("owner-2"); n != 1 {
		t.Errorf("expected 1 card for owner-2, got %d", n)
	}
}

func TestChunkInsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	chunks := []Chunk{
		{ID: "c1", DocumentID: "doc-1", PointTitle: "BFS", TextChunk: "breadth first", Embedding: []float32{1, 0, 0}},
		{ID: "c2", DocumentID: "doc-1", PointTitle: "DFS", TextChunk: "depth first", Embedding: []float32{0, 1, 0}},
		{ID: "c3", DocumentID: "doc-1", PointTitle: "MST", TextChunk: "spanning tree", Embedding: []float32{0.9, 0.1, 0}},
	}
	if err := s.InsertChunks(chunks); err != nil {
		t.Fatalf("InsertChunks failed: %v", err)
	}

	got, err := s.SearchChunks([]float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("SearchChunks failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].ID != "c1" {
		t.Errorf("best match = %s, want c1", got[0].ID)
	}
	if got[1].ID != "c3" {
		t.Errorf("second match = %s, want c3", got[1].ID)
	}
	if got[0].Score < got[1].Score {
		t.Error("results not in descending score order")
	}
}

func TestDeleteChunksForDocument(t *testing.T) {
	s := openTestStore(t)
	createTestDocument(t, s, "doc-1")

	if err := s.InsertChunks([]Chunk{
		{ID: "c1", DocumentID: "doc-1", TextChunk: "a", Embedding: []float32{1}},
		{ID: "c2", DocumentID: "doc-1", TextChunk: "b", Embedding: []float32{1}},
	}); err != nil {
		t.Fatalf("InsertChunks failed: %v", err)
	}

	if err := s.DeleteChunksForDocument("doc-1"); err != nil {
		t.Fatalf("DeleteChunksForDocument failed: %v", err)
	}
	if n, _ := s.CountChunks("doc-1"); n != 0 {
		t.Errorf("expected 0 chunks after delete, got %d", n)
	}
}

func TestCooldownStoreRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(30 * time.Second).Truncate(time.Second)
	if err := s.SaveCooldown(ctx, 1, until); err != nil {
		t.Fatalf("SaveCooldown failed: %v", err)
	}

	got, err := s.LoadCooldowns(ctx, 3)
	if err != nil {
		t.Fatalf("LoadCooldowns failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if !got[0].IsZero() || !got[2].IsZero() {
		t.Error("unset indices should be zero times")
	}
	if !got[1].Equal(until) {
		t.Errorf("cooldown[1] = %v, want %v", got[1], until)
	}

	// Overwrite wins.
	later := until.Add(time.Minute)
	if err := s.SaveCooldown(ctx, 1, later); err != nil {
		t.Fatalf("second SaveCooldown failed: %v", err)
	}
	got, _ = s.LoadCooldowns(ctx, 3)
	if !got[1].Equal(later) {
		t.Errorf("cooldown[1] = %v, want %v", got[1], later)
	}
}
