package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateDocument inserts a new document record. CreatedAt/UpdatedAt are set
// to now when zero.
func (s *Store) CreateDocument(d Document) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.ItemTypes == "" {
		d.ItemTypes = "[]"
	}

	_, err := s.db.Exec(`
		INSERT INTO documents (id, owner_id, title, category, status, status_message, item_types, course_id, institution_id, answers_included, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Title, d.Category, d.Status, d.StatusMessage, d.ItemTypes,
		d.CourseID, d.InstitutionID, boolToInt(d.AnswersIncluded),
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given id.
func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	var answers int
	err := s.db.QueryRow(`
		SELECT id, owner_id, title, category, status, status_message, item_types, course_id, institution_id, answers_included, created_at, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.OwnerID, &d.Title, &d.Category, &d.Status, &d.StatusMessage,
		&d.ItemTypes, &d.CourseID, &d.InstitutionID, &answers, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}

	d.AnswersIncluded = answers != 0
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// HasDocumentTitle reports whether the owner already has a live document
// with this title. Documents that ended in error do not count, so a failed
// upload can be retried under the same name.
func (s *Store) HasDocumentTitle(ownerID, title string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM documents
		WHERE owner_id = ? AND title = ? COLLATE NOCASE AND status != ?`,
		ownerID, title, StatusError,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking title: %w", err)
	}
	return n > 0, nil
}

// UpdateDocumentStatus moves a document to a new status with a message.
// The transition is enforced monotonic: a document already in ready or
// error is left untouched.
func (s *Store) UpdateDocumentStatus(id, status, message string) error {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		status, message, time.Now().UTC().Format(time.RFC3339), id, StatusReady, StatusError,
	)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the document is unknown or it already reached a terminal
		// status; distinguish for the caller.
		var existing int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM documents WHERE id = ?", id).Scan(&existing); err != nil {
			return err
		}
		if existing == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// SetDocumentItemTypes writes the distinct item-type labels derived from
// the document's extracted items.
func (s *Store) SetDocumentItemTypes(id string, types []string) error {
	if types == nil {
		types = []string{}
	}
	b, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("marshaling item types: %w", err)
	}

	_, err = s.db.Exec(`UPDATE documents SET item_types = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating item types: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
