package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOCRTaskWireFormat(t *testing.T) {
	body, err := EncodeOCRTask(OCRTask{ObjectKey: "abc/invoice.pdf"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, TaskSchema, raw["schema"])
	assert.Equal(t, "abc/invoice.pdf", raw["document_id"])
	_, hasText := raw["ocr_text"]
	assert.False(t, hasText, "ocr tasks carry no text")
}

func TestDecodeOCRTaskWithoutSchema(t *testing.T) {
	task, err := DecodeOCRTask([]byte(`{"document_id":"abc/invoice.pdf"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc/invoice.pdf", task.ObjectKey)
}

func TestDecodeRejectsBadBodies(t *testing.T) {
	cases := map[string]struct {
		body string
		want error
	}{
		"not json":        {`not json`, ErrInvalidTask},
		"missing id":      {`{"schema":"paperless.task.v1"}`, ErrInvalidTask},
		"blank id":        {`{"document_id":"   "}`, ErrInvalidTask},
		"unknown schema":  {`{"schema":"paperless.task.v9","document_id":"a"}`, ErrUnknownSchema},
		"invalid unicode": {"{\"document_id\":\"\xff\"}", ErrInvalidTask},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOCRTask([]byte(tc.body))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestGenAITaskRoundTrip(t *testing.T) {
	body, err := EncodeGenAITask(GenAITask{DocumentID: "abc", Text: "page one"})
	require.NoError(t, err)

	task, err := DecodeGenAITask(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", task.DocumentID)
	assert.Equal(t, "page one", task.Text)

	_, err = DecodeGenAITask([]byte(`{"schema":"paperless.task.v1","document_id":"abc"}`))
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestSplitObjectKey(t *testing.T) {
	id, name := SplitObjectKey("abc/sub/invoice.pdf")
	assert.Equal(t, "abc", id)
	assert.Equal(t, "sub/invoice.pdf", name)

	id, name = SplitObjectKey("abc")
	assert.Equal(t, "abc", id)
	assert.Empty(t, name)
}

func TestIndexPatchKeepsUntouchedFields(t *testing.T) {
	ocr := "page text"
	summary := "short"
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	entry := IndexPatch{OCR: &ocr, Timestamp: ts}.Apply(IndexEntry{})
	entry = IndexPatch{Summary: &summary, Timestamp: ts.Add(time.Minute)}.Apply(entry)

	assert.Equal(t, "page text", entry.OCR)
	require.NotNil(t, entry.Summary)
	assert.Equal(t, "short", *entry.Summary)
	assert.Equal(t, ts.Add(time.Minute), entry.Timestamp)
}
