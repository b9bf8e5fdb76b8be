package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/ingestd/internal/content"
)

// InsertKnowledgePoints bulk-inserts points for a document, preserving
// their extraction order via the position column.
func (s *Store) InsertKnowledgePoints(documentID string, points []content.KnowledgePoint) ([]string, error) {
	if len(points) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO knowledge_points (id, document_id, position, title, definition, formulas, concepts, examples, source_pages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, len(points))
	for i, p := range points {
		id := uuid.New().String()
		ids[i] = id
		if _, err := stmt.Exec(id, documentID, i, p.Title, p.Definition,
			jsonArray(p.Formulas), jsonArray(p.Concepts), jsonArray(p.Examples), jsonInts(p.SourcePages), now); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting knowledge point %q: %w", p.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertQuestions bulk-inserts questions for a document.
func (s *Store) InsertQuestions(documentID string, questions []content.Question) ([]string, error) {
	if len(questions) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO questions (id, document_id, order_num, content, options, reference_answer, points, source_page, question_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, len(questions))
	for i, q := range questions {
		id := uuid.New().String()
		ids[i] = id
		if _, err := stmt.Exec(id, documentID, q.OrderNum, q.Content,
			jsonArray(q.Options), q.ReferenceAnswer, q.Points, q.SourcePage, q.Type, now); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting question %d: %w", q.OrderNum, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// CountItems returns how many extracted items a document has persisted.
func (s *Store) CountItems(documentID string) (int, error) {
	var points, questions int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM knowledge_points WHERE document_id = ?", documentID).Scan(&points); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM questions WHERE document_id = ?", documentID).Scan(&questions); err != nil {
		return 0, err
	}
	return points + questions, nil
}

// UpsertCards writes knowledge points into the searchable card store,
// keyed by (owner, case-insensitive title). A newer definition replaces an
// older one.
func (s *Store) UpsertCards(ownerID, documentID string, points []content.KnowledgePoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO cards (id, owner_id, title, definition, document_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, title) DO UPDATE SET
			definition = excluded.definition,
			document_id = excluded.document_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range points {
		if _, err := stmt.Exec(uuid.New().String(), ownerID, p.Title, p.Definition, documentID, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting card %q: %w", p.Title, err)
		}
	}

	return tx.Commit()
}

// CountCards returns the number of cards stored for an owner.
func (s *Store) CountCards(ownerID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cards WHERE owner_id = ?", ownerID).Scan(&n)
	return n, err
}

func jsonArray(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func jsonInts(v []int) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
