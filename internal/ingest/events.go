// Package ingest drives the document ingestion pipeline: upload validation,
// page extraction, structured extraction, embedding, persistence, and the
// progress stream back to the caller.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Event names on the progress stream.
const (
	EventDocumentCreated = "document_created"
	EventStatus          = "status"
	EventProgress        = "progress"
	EventItem            = "item"
	EventBatchSaved      = "batch_saved"
	EventError           = "error"
)

// Event is one tagged frame on the progress stream.
type Event struct {
	Name    string
	Payload any
}

// DocumentCreatedPayload announces the new record id so the caller can
// navigate to it before heavy work begins.
type DocumentCreatedPayload struct {
	DocumentID string `json:"documentId"`
}

// StatusPayload reports a stage transition.
type StatusPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ProgressPayload reports counter progress within a stage.
type ProgressPayload struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// ItemPayload carries one extracted structured item.
type ItemPayload struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

// BatchSavedPayload reports one flushed write batch of embedded chunks.
type BatchSavedPayload struct {
	ChunkIDs   []string `json:"chunkIds"`
	BatchIndex int      `json:"batchIndex"`
}

// ErrorPayload is a terminal structured error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// Stream is the one-way event channel handed to the caller. It is closed
// exactly once, on every pipeline exit path.
type Stream struct {
	ch        chan Event
	closeOnce sync.Once
}

func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the stream. It is closed when the
// pipeline finishes; the caller must drain it.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Emit places one event on the stream. It blocks when the buffer is full,
// so the consumer must keep draining until Close.
func (s *Stream) Emit(name string, payload any) {
	s.ch <- Event{Name: name, Payload: payload}
}

// Close closes the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// WriteFrame encodes one event as a named, newline-delimited frame with a
// JSON payload, in SSE format.
func WriteFrame(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", ev.Name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	return nil
}
