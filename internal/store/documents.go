package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Lllllllleong/paperlessflow/internal/models"
)

// NewDocument describes the first version of a document. File.ObjectKey
// defaults to FirstVersionKey.
type NewDocument struct {
	ID          string
	WorkspaceID *string
	Metadata    models.MetadataVersion
	File        models.FileVersion
}

// FirstVersionKey returns the object key of file version 1:
// "{documentId}/{filename}". A file named like the thumbnail is moved under
// "v1/" so the thumbnail never overwrites it.
func FirstVersionKey(documentID, filename string) string {
	if filename == models.ThumbnailFilename {
		return models.ObjectKey(documentID, "v1/"+filename)
	}
	return models.ObjectKey(documentID, filename)
}

// UploadObjectKey returns the object key of a re-uploaded file. The version
// number is only known once the row is written, so the key carries a unique
// upload id instead.
func UploadObjectKey(documentID, uploadID, filename string) string {
	return models.ObjectKey(documentID, "uploads/"+uploadID+"/"+filename)
}

// CreateDocument writes the document row, metadata version 1, the processing
// status row and file version 1 as one atomic unit. The blob must already be
// stored under the file's object key.
func (s *Store) CreateDocument(ctx context.Context, nd NewDocument) (models.Document, models.FileVersion, error) {
	now := time.Now().UTC()
	doc := models.Document{
		ID:                     nd.ID,
		CurrentMetadataVersion: 1,
		CurrentFileVersion:     1,
		WorkspaceID:            nd.WorkspaceID,
		CreatedAt:              now,
	}
	meta := nd.Metadata
	meta.DocumentID, meta.Version = nd.ID, 1
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	file := nd.File
	file.DocumentID, file.Version = nd.ID, 1
	if file.ObjectKey == "" {
		file.ObjectKey = FirstVersionKey(nd.ID, file.OriginalFilename)
	}
	if file.UploadedAt.IsZero() {
		file.UploadedAt = now
	}

	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.sb.Insert("documents").
			Columns("id", "current_metadata_version", "current_file_version", "workspace_id", "created_at").
			Values(doc.ID, 1, 1, doc.WorkspaceID, toMillis(now)).
			RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if err := s.insertMetadata(ctx, tx, meta); err != nil {
			return err
		}
		if _, err := s.sb.Insert("processing_status").
			Columns("document_id", "updated_at").
			Values(doc.ID, toMillis(now)).
			RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("insert processing status: %w", err)
		}
		return s.insertFile(ctx, tx, file)
	})
	if err != nil {
		return models.Document{}, models.FileVersion{}, err
	}
	return doc, file, nil
}

// AddFileVersion appends a file version, allocating exactly one past the
// document's current file version. fv.ObjectKey must name a stored blob.
func (s *Store) AddFileVersion(ctx context.Context, documentID string, fv models.FileVersion) (models.FileVersion, error) {
	if fv.ObjectKey == "" {
		return models.FileVersion{}, errors.New("file version has no object key")
	}
	fv.DocumentID = documentID
	if fv.UploadedAt.IsZero() {
		fv.UploadedAt = time.Now().UTC()
	}
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		version, err := s.bumpVersion(ctx, tx, documentID, "current_file_version")
		if err != nil {
			return err
		}
		fv.Version = version
		return s.insertFile(ctx, tx, fv)
	})
	if err != nil {
		return models.FileVersion{}, err
	}
	return fv, nil
}

// AddMetadataVersion appends a metadata version, allocating exactly one past
// the document's current metadata version.
func (s *Store) AddMetadataVersion(ctx context.Context, documentID string, mv models.MetadataVersion) (models.MetadataVersion, error) {
	mv.DocumentID = documentID
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		version, err := s.bumpVersion(ctx, tx, documentID, "current_metadata_version")
		if err != nil {
			return err
		}
		mv.Version = version
		return s.insertMetadata(ctx, tx, mv)
	})
	if err != nil {
		return models.MetadataVersion{}, err
	}
	return mv, nil
}

func (s *Store) bumpVersion(ctx context.Context, tx *sql.Tx, documentID, column string) (int, error) {
	var version int
	err := s.sb.Update("documents").
		Set(column, sq.Expr(column+" + 1")).
		Where(sq.Eq{"id": documentID, "deleted_at": nil}).
		Suffix("RETURNING " + column).
		RunWith(tx).QueryRowContext(ctx).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var deletedAt sql.NullInt64
		err := s.sb.Select("deleted_at").From("documents").Where(sq.Eq{"id": documentID}).
			RunWith(tx).QueryRowContext(ctx).Scan(&deletedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("check document %s: %w", documentID, err)
		}
		return 0, ErrDeleted
	}
	if err != nil {
		return 0, fmt.Errorf("allocate %s: %w", column, err)
	}
	return version, nil
}

func (s *Store) insertMetadata(ctx context.Context, tx *sql.Tx, mv models.MetadataVersion) error {
	_, err := s.sb.Insert("metadata_versions").
		Columns("document_id", "version", "title", "description", "language", "created_at", "created_by").
		Values(mv.DocumentID, mv.Version, mv.Title, mv.Description, mv.Language, toMillis(mv.CreatedAt), mv.CreatedBy).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert metadata version %d: %w", mv.Version, err)
	}
	return nil
}

func (s *Store) insertFile(ctx context.Context, tx *sql.Tx, fv models.FileVersion) error {
	_, err := s.sb.Insert("file_versions").
		Columns("document_id", "version", "original_filename", "object_key", "size", "content_type", "uploaded_at", "uploaded_by").
		Values(fv.DocumentID, fv.Version, fv.OriginalFilename, fv.ObjectKey, fv.Size, fv.ContentType, toMillis(fv.UploadedAt), fv.UploadedBy).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert file version %d: %w", fv.Version, err)
	}
	return nil
}

// GetDocument returns the document row, including soft-deleted documents.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	var (
		d         models.Document
		deletedAt sql.NullInt64
		workspace sql.NullString
		createdAt int64
	)
	err := s.sb.Select("id", "current_metadata_version", "current_file_version", "deleted_at", "workspace_id", "created_at").
		From("documents").Where(sq.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&d.ID, &d.CurrentMetadataVersion, &d.CurrentFileVersion, &deletedAt, &workspace, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	if deletedAt.Valid {
		t := fromMillis(deletedAt.Int64)
		d.DeletedAt = &t
	}
	if workspace.Valid {
		w := workspace.String
		d.WorkspaceID = &w
	}
	d.CreatedAt = fromMillis(createdAt)
	return d, nil
}

// ActiveDocument returns the document, or ErrDeleted if it was soft-deleted.
func (s *Store) ActiveDocument(ctx context.Context, id string) (models.Document, error) {
	d, err := s.GetDocument(ctx, id)
	if err != nil {
		return d, err
	}
	if !d.Active() {
		return d, ErrDeleted
	}
	return d, nil
}

// GetMetadataVersion returns one metadata version.
func (s *Store) GetMetadataVersion(ctx context.Context, id string, version int) (models.MetadataVersion, error) {
	var (
		mv        models.MetadataVersion
		createdAt int64
	)
	err := s.sb.Select("document_id", "version", "title", "description", "language", "created_at", "created_by").
		From("metadata_versions").Where(sq.Eq{"document_id": id, "version": version}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&mv.DocumentID, &mv.Version, &mv.Title, &mv.Description, &mv.Language, &createdAt, &mv.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MetadataVersion{}, ErrNotFound
	}
	if err != nil {
		return models.MetadataVersion{}, fmt.Errorf("get metadata %s v%d: %w", id, version, err)
	}
	mv.CreatedAt = fromMillis(createdAt)
	return mv, nil
}

var fileColumns = []string{"document_id", "version", "original_filename", "object_key", "size", "content_type", "uploaded_at", "uploaded_by"}

func scanFile(row sq.RowScanner) (models.FileVersion, error) {
	var (
		fv         models.FileVersion
		uploadedAt int64
	)
	if err := row.Scan(&fv.DocumentID, &fv.Version, &fv.OriginalFilename, &fv.ObjectKey, &fv.Size, &fv.ContentType, &uploadedAt, &fv.UploadedBy); err != nil {
		return models.FileVersion{}, err
	}
	fv.UploadedAt = fromMillis(uploadedAt)
	return fv, nil
}

// GetFileVersion returns one file version.
func (s *Store) GetFileVersion(ctx context.Context, id string, version int) (models.FileVersion, error) {
	fv, err := scanFile(s.sb.Select(fileColumns...).From("file_versions").
		Where(sq.Eq{"document_id": id, "version": version}).
		RunWith(s.db).QueryRowContext(ctx))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FileVersion{}, ErrNotFound
	}
	if err != nil {
		return models.FileVersion{}, fmt.Errorf("get file %s v%d: %w", id, version, err)
	}
	return fv, nil
}

// ListFileVersions returns every file version of a document, oldest first.
func (s *Store) ListFileVersions(ctx context.Context, id string) ([]models.FileVersion, error) {
	rows, err := s.sb.Select(fileColumns...).From("file_versions").
		Where(sq.Eq{"document_id": id}).OrderBy("version ASC").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files %s: %w", id, err)
	}
	defer rows.Close()

	var out []models.FileVersion
	for rows.Next() {
		fv, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file version: %w", err)
		}
		out = append(out, fv)
	}
	return out, rows.Err()
}

// SoftDelete marks the document deleted. Pipeline stages stop processing it.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.sb.Update("documents").
		Set("deleted_at", toMillis(time.Now())).
		Where(sq.Eq{"id": id, "deleted_at": nil}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetDocument(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Purge physically removes a document and everything hanging off it.
func (s *Store) Purge(ctx context.Context, id string) error {
	res, err := s.sb.Delete("documents").Where(sq.Eq{"id": id}).RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
