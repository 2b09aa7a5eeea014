package models

import "time"

// Document is the identity root for an uploaded file. Metadata and file
// contents live in append-only version rows; the document only points at the
// highest version written for each.
type Document struct {
	ID                     string     `json:"id"`
	CurrentMetadataVersion int        `json:"currentMetadataVersion"`
	CurrentFileVersion     int        `json:"currentFileVersion"`
	DeletedAt              *time.Time `json:"deletedAt,omitempty"`
	WorkspaceID            *string    `json:"workspaceId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
}

// Active reports whether pipeline stages may still process the document.
func (d Document) Active() bool {
	return d.DeletedAt == nil
}

// MetadataVersion is an immutable snapshot of a document's descriptive fields.
type MetadataVersion struct {
	DocumentID  string    `json:"documentId"`
	Version     int       `json:"version"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy,omitempty"`
}

// FileVersion is an immutable snapshot of one stored upload.
type FileVersion struct {
	DocumentID       string    `json:"documentId"`
	Version          int       `json:"version"`
	OriginalFilename string    `json:"originalFilename"`
	ObjectKey        string    `json:"objectKey"`
	Size             int64     `json:"size"`
	ContentType      string    `json:"contentType"`
	UploadedAt       time.Time `json:"uploadedAt"`
	UploadedBy       string    `json:"uploadedBy,omitempty"`
}

// Summary is a generated summary persisted for a document.
type Summary struct {
	ID             int64     `json:"id"`
	DocumentID     string    `json:"documentId"`
	Model          string    `json:"model"`
	LengthPresetID *string   `json:"lengthPresetId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
