package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/render"
	"github.com/Lllllllleong/paperlessflow/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const uploadConcurrency = 4

// FileMeta is the optional per-file metadata of an upload, keyed by the
// original filename in the metadata document.
type FileMeta struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// FileUpload is one uploaded file. Data holds the bytes unless Open is set.
type FileUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
	Open        func() (io.ReadCloser, error)
}

func (f FileUpload) length() int64 {
	if f.Size > 0 {
		return f.Size
	}
	return int64(len(f.Data))
}

func (f FileUpload) read() ([]byte, error) {
	if f.Open == nil {
		return f.Data, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// UploadRequest is a batch of files plus the raw metadata document.
type UploadRequest struct {
	Files       []FileUpload
	Metadata    string
	UploadedBy  string
	WorkspaceID *string
}

// FileResult is the outcome for one file of a batch.
type FileResult struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"documentId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// UploadResult is an accepted batch. Accepted counts files without an error.
type UploadResult struct {
	Accepted int          `json:"accepted"`
	Files    []FileResult `json:"files"`
}

// ValidateUpload checks a batch before anything is written. Every problem is
// reported, in input order; a metadata parse failure is reported once with the
// raw text.
func ValidateUpload(files []FileUpload, metadataRaw string) (map[string]FileMeta, []string) {
	if len(files) == 0 {
		return nil, []string{"no files were uploaded"}
	}

	var errs []string
	for i, f := range files {
		name := strings.TrimSpace(f.Filename)
		if name == "" {
			errs = append(errs, fmt.Sprintf("file %d: empty name", i+1))
			name = "<unnamed>"
		}
		if f.length() <= 0 {
			errs = append(errs, fmt.Sprintf("file %d (%s): zero length", i+1, name))
		}
	}

	meta := map[string]FileMeta{}
	if strings.TrimSpace(metadataRaw) != "" {
		if err := json.Unmarshal([]byte(metadataRaw), &meta); err != nil {
			errs = append(errs, fmt.Sprintf("metadata is not valid JSON (%v): %s", err, metadataRaw))
		}
	}
	return meta, errs
}

// Intake accepts uploads, records their first versions and starts processing.
type Intake struct {
	docs        DocumentStore
	objects     InboxStore
	publisher   Publisher
	inboxBucket string
}

func NewIntake(docs DocumentStore, objects InboxStore, publisher Publisher, inboxBucket string) *Intake {
	return &Intake{docs: docs, objects: objects, publisher: publisher, inboxBucket: inboxBucket}
}

// Upload validates the batch and creates one document per file. Validation
// failures return a *ValidationError and write nothing. Afterwards every file
// succeeds or fails on its own.
func (in *Intake) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	meta, errs := ValidateUpload(req.Files, req.Metadata)
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	results := make([]FileResult, len(req.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, f := range req.Files {
		g.Go(func() error {
			results[i] = in.createFromUpload(gctx, f, meta[f.Filename], req)
			return nil
		})
	}
	_ = g.Wait()

	res := &UploadResult{Files: results}
	for _, r := range results {
		if r.Error == "" {
			res.Accepted++
		}
	}
	slog.Info("Upload batch processed.", "files", len(results), "accepted", res.Accepted)
	return res, nil
}

func (in *Intake) createFromUpload(ctx context.Context, f FileUpload, meta FileMeta, req UploadRequest) FileResult {
	res := FileResult{Filename: f.Filename}
	id := uuid.NewString()
	logCtx := slog.With("documentId", id, "filename", f.Filename)

	data, err := f.read()
	if err != nil {
		logCtx.Error("Failed to read upload", "error", err)
		res.Error = fmt.Sprintf("read upload: %v", err)
		return res
	}
	contentType := f.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = render.DetectType(data)
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = f.Filename
	}
	nd := store.NewDocument{
		ID:          id,
		WorkspaceID: req.WorkspaceID,
		Metadata: models.MetadataVersion{
			Title:       title,
			Description: meta.Description,
			Language:    meta.Language,
			CreatedBy:   req.UploadedBy,
		},
		File: models.FileVersion{
			OriginalFilename: f.Filename,
			Size:             int64(len(data)),
			ContentType:      contentType,
			UploadedBy:       req.UploadedBy,
		},
	}
	key := store.FirstVersionKey(id, f.Filename)
	if err := in.objects.Put(ctx, key, data, contentType); err != nil {
		logCtx.Error("Failed to store upload", "objectKey", key, "error", err)
		res.Error = fmt.Sprintf("store object: %v", err)
		return res
	}
	nd.File.ObjectKey = key
	_, fv, err := in.docs.CreateDocument(ctx, nd)
	if err != nil {
		logCtx.Error("Failed to create document", "error", err)
		in.discard(ctx, key).Log(logCtx)
		res.Error = fmt.Sprintf("create document: %v", err)
		return res
	}
	res.DocumentID = id

	if err := in.queueExtraction(ctx, logCtx, id, fv.ObjectKey); err != nil {
		res.Error = err.Error()
		return res
	}
	logCtx.Info("Document created and queued for extraction.", "objectKey", fv.ObjectKey)
	return res
}

// discard removes a stored blob whose version row could not be written.
func (in *Intake) discard(ctx context.Context, key string) BestEffort {
	return BestEffort{Op: "discard object " + key, Err: in.objects.Delete(context.WithoutCancel(ctx), key)}
}

// queueExtraction marks extraction as queued and publishes the ocr task. The
// state is written first so that a fast worker's Running is not overwritten;
// later stages are reset so the row describes the version being processed.
func (in *Intake) queueExtraction(ctx context.Context, logCtx *slog.Logger, id, objectKey string) error {
	body, err := models.EncodeOCRTask(models.OCRTask{ObjectKey: objectKey})
	if err != nil {
		return fmt.Errorf("encode ocr task: %w", err)
	}
	if err := in.docs.RestartProcessing(ctx, id); err != nil {
		logCtx.Warn("Failed to record queued state", "error", err)
	}
	if err := in.publisher.Publish(ctx, models.RouteOCR, body); err != nil {
		logCtx.Error("Failed to publish ocr task", "error", err)
		if serr := in.docs.SetStage(ctx, id, models.StageExtraction, models.StateFailed, "publish ocr task: "+err.Error()); serr != nil {
			logCtx.Warn("Failed to record failed state", "error", serr)
		}
		return fmt.Errorf("publish ocr task: %w", err)
	}
	return nil
}

// Reupload stores a new file version of an existing document and queues it
// for extraction.
func (in *Intake) Reupload(ctx context.Context, documentID string, f FileUpload, uploader string) (models.FileVersion, error) {
	if _, errs := ValidateUpload([]FileUpload{f}, ""); len(errs) > 0 {
		return models.FileVersion{}, &ValidationError{Errors: errs}
	}
	logCtx := slog.With("documentId", documentID, "filename", f.Filename)

	data, err := f.read()
	if err != nil {
		return models.FileVersion{}, fmt.Errorf("read upload: %w", err)
	}
	contentType := f.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = render.DetectType(data)
	}

	if _, err := in.docs.ActiveDocument(ctx, documentID); err != nil {
		return models.FileVersion{}, err
	}
	key := store.UploadObjectKey(documentID, uuid.NewString(), f.Filename)
	if err := in.objects.Put(ctx, key, data, contentType); err != nil {
		return models.FileVersion{}, fmt.Errorf("store object: %w", err)
	}
	fv, err := in.docs.AddFileVersion(ctx, documentID, models.FileVersion{
		OriginalFilename: f.Filename,
		ObjectKey:        key,
		Size:             int64(len(data)),
		ContentType:      contentType,
		UploadedBy:       uploader,
	})
	if err != nil {
		in.discard(ctx, key).Log(logCtx)
		return models.FileVersion{}, err
	}
	logCtx.Info("File version added.", "version", fv.Version, "objectKey", fv.ObjectKey)

	if err := in.queueExtraction(ctx, logCtx, documentID, fv.ObjectKey); err != nil {
		return fv, err
	}
	return fv, nil
}

// UpdateMetadata appends a metadata version.
func (in *Intake) UpdateMetadata(ctx context.Context, documentID string, meta FileMeta, creator string) (models.MetadataVersion, error) {
	if strings.TrimSpace(meta.Title) == "" {
		return models.MetadataVersion{}, &ValidationError{Errors: []string{"title must not be empty"}}
	}
	mv, err := in.docs.AddMetadataVersion(ctx, documentID, models.MetadataVersion{
		Title:       strings.TrimSpace(meta.Title),
		Description: meta.Description,
		Language:    meta.Language,
		CreatedBy:   creator,
	})
	if err != nil {
		return models.MetadataVersion{}, err
	}
	slog.Info("Metadata version added.", "documentId", documentID, "version", mv.Version)
	return mv, nil
}

var errIgnoredBucket = errors.New("event is not from the inbox bucket")

// IngestObject turns an object dropped into the inbox bucket into a new
// document. Events from other buckets are ignored.
func (in *Intake) IngestObject(ctx context.Context, e models.GCSEvent) (string, error) {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if in.inboxBucket == "" || e.Bucket != in.inboxBucket {
		logCtx.Info("Ignoring object outside the inbox bucket.")
		return "", errIgnoredBucket
	}
	if strings.HasSuffix(e.Name, "/") {
		logCtx.Info("Ignoring folder placeholder.")
		return "", errIgnoredBucket
	}

	attrs, err := in.objects.Attrs(ctx, e.Bucket, e.Name)
	if err != nil {
		return "", fmt.Errorf("stat inbox object: %w", err)
	}
	filename := path.Base(e.Name)
	if attrs.Size <= 0 {
		return "", &ValidationError{Errors: []string{fmt.Sprintf("file 1 (%s): zero length", filename)}}
	}

	id := uuid.NewString()
	logCtx = logCtx.With("documentId", id)
	key := store.FirstVersionKey(id, filename)
	if err := in.objects.CopyFrom(ctx, e.Bucket, e.Name, key); err != nil {
		logCtx.Error("Failed to copy inbox object", "error", err)
		return "", fmt.Errorf("copy inbox object: %w", err)
	}
	_, fv, err := in.docs.CreateDocument(ctx, store.NewDocument{
		ID:       id,
		Metadata: models.MetadataVersion{Title: filename, CreatedBy: "inbox"},
		File: models.FileVersion{
			OriginalFilename: filename,
			ObjectKey:        key,
			Size:             attrs.Size,
			ContentType:      attrs.ContentType,
			UploadedBy:       "inbox",
		},
	})
	if err != nil {
		logCtx.Error("Failed to create document from inbox object", "error", err)
		in.discard(ctx, key).Log(logCtx)
		return "", fmt.Errorf("create document: %w", err)
	}
	if err := in.queueExtraction(ctx, logCtx, id, fv.ObjectKey); err != nil {
		return id, err
	}
	logCtx.Info("Inbox object ingested.", "objectKey", fv.ObjectKey)
	return id, nil
}

// IsIgnored reports whether IngestObject skipped the event.
func IsIgnored(err error) bool {
	return errors.Is(err, errIgnoredBucket)
}
