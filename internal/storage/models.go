package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses. Transitions are monotonic: once a document reaches
// ready or error nothing moves it back.
const (
	StatusParsing    = "parsing"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Document is the durable record for one upload.
type Document struct {
	ID              string
	OwnerID         string
	Title           string
	Category        string
	Status          string
	StatusMessage   string
	ItemTypes       string // JSON array stored as text
	CourseID        string
	InstitutionID   string
	AnswersIncluded bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Chunk is a persisted, embedding-bearing unit derived from a knowledge
// point, used for similarity retrieval.
type Chunk struct {
	ID         string
	DocumentID string
	PointTitle string
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredChunk is a Chunk with a cosine-similarity score attached.
type ScoredChunk struct {
	Chunk
	Score float32
}

// Card is a searchable flash-card derived from a knowledge point; upserts
// are keyed by (owner, case-insensitive title).
type Card struct {
	ID         string
	OwnerID    string
	Title      string
	Definition string
	DocumentID string
	UpdatedAt  time.Time
}
