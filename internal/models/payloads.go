package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// These structs define the task messages exchanged between pipeline stages
// over the task bus, and the JSON payloads of the REST collaborator.

// TaskSchema tags every task body published by this pipeline.
const TaskSchema = "paperless.task.v1"

// Routing keys and the durable queues bound to them.
const (
	RouteOCR   = "ocr"
	RouteGenAI = "genai"

	QueueOCR   = "ocr-queue"
	QueueGenAI = "genai-queue"
)

var (
	ErrUnknownSchema = errors.New("unknown task schema")
	ErrInvalidTask   = errors.New("invalid task")
)

// taskEnvelope is the wire form of every task body.
type taskEnvelope struct {
	Schema     string  `json:"schema"`
	DocumentID string  `json:"document_id"`
	OCRText    *string `json:"ocr_text,omitempty"`
}

// OCRTask asks the extraction stage to process a stored object.
// ObjectKey is "{documentId}/{filename}".
type OCRTask struct {
	ObjectKey string
}

// GenAITask asks the summarization stage to summarize extracted text.
type GenAITask struct {
	DocumentID string
	Text       string
}

// EncodeOCRTask returns the wire body for an ocr-routed task.
func EncodeOCRTask(t OCRTask) ([]byte, error) {
	if t.ObjectKey == "" {
		return nil, fmt.Errorf("%w: empty object key", ErrInvalidTask)
	}
	return json.Marshal(taskEnvelope{Schema: TaskSchema, DocumentID: t.ObjectKey})
}

// EncodeGenAITask returns the wire body for a genai-routed task.
func EncodeGenAITask(t GenAITask) ([]byte, error) {
	if t.DocumentID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidTask)
	}
	text := t.Text
	return json.Marshal(taskEnvelope{Schema: TaskSchema, DocumentID: t.DocumentID, OCRText: &text})
}

// DecodeOCRTask validates an ocr-routed body.
func DecodeOCRTask(body []byte) (OCRTask, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return OCRTask{}, err
	}
	return OCRTask{ObjectKey: env.DocumentID}, nil
}

// DecodeGenAITask validates a genai-routed body. The text may be blank; the
// consumer decides what a blank text means.
func DecodeGenAITask(body []byte) (GenAITask, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return GenAITask{}, err
	}
	if env.OCRText == nil {
		return GenAITask{}, fmt.Errorf("%w: missing ocr_text", ErrInvalidTask)
	}
	return GenAITask{DocumentID: env.DocumentID, Text: *env.OCRText}, nil
}

func decodeEnvelope(body []byte) (taskEnvelope, error) {
	var env taskEnvelope
	if !utf8.Valid(body) {
		return env, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidTask)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	// Bodies without a schema tag predate versioning and are read as v1.
	if env.Schema != "" && env.Schema != TaskSchema {
		return env, fmt.Errorf("%w: %q", ErrUnknownSchema, env.Schema)
	}
	if strings.TrimSpace(env.DocumentID) == "" {
		return env, fmt.Errorf("%w: missing document_id", ErrInvalidTask)
	}
	return env, nil
}

// ObjectKey returns the object store key of a document's source file.
func ObjectKey(documentID, filename string) string {
	return documentID + "/" + filename
}

// ThumbnailFilename is the reserved name of a document's thumbnail object.
const ThumbnailFilename = "thumbnail.png"

// ThumbnailKey returns the object store key of a document's thumbnail.
func ThumbnailKey(documentID string) string {
	return ObjectKey(documentID, ThumbnailFilename)
}

// SplitObjectKey splits "{documentId}/{filename}" at the first slash.
// A key without a slash yields the whole key as the id segment.
func SplitObjectKey(key string) (idSegment, filename string) {
	idSegment, filename, _ = strings.Cut(key, "/")
	return idSegment, filename
}

// CreateSummaryRequest is the body of POST /documents/{id}/summaries.
type CreateSummaryRequest struct {
	Model          string  `json:"model"`
	LengthPresetID *string `json:"lengthPresetId,omitempty"`
	Content        string  `json:"content"`
}

// IndexEntry is the search index record of one document.
type IndexEntry struct {
	DocumentID string    `json:"documentId" firestore:"-"`
	OCR        string    `json:"ocr" firestore:"ocr"`
	Summary    *string   `json:"summary" firestore:"summary"`
	Timestamp  time.Time `json:"timestamp" firestore:"timestamp"`
}

// IndexPatch is a partial index write. Nil fields are left untouched.
type IndexPatch struct {
	OCR       *string
	Summary   *string
	Timestamp time.Time
}

// Apply merges the patch into e and returns the result.
func (p IndexPatch) Apply(e IndexEntry) IndexEntry {
	if p.OCR != nil {
		e.OCR = *p.OCR
	}
	if p.Summary != nil {
		s := *p.Summary
		e.Summary = &s
	}
	if !p.Timestamp.IsZero() {
		e.Timestamp = p.Timestamp
	}
	return e
}

// SearchHit is one search result.
type SearchHit struct {
	DocumentID string    `json:"documentId"`
	Summary    *string   `json:"summary,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
