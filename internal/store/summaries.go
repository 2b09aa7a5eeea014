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

// CreateSummary stores a generated summary for an active document.
func (s *Store) CreateSummary(ctx context.Context, sum models.Summary) (models.Summary, error) {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		var deletedAt sql.NullInt64
		err := s.sb.Select("deleted_at").From("documents").Where(sq.Eq{"id": sum.DocumentID}).
			RunWith(tx).QueryRowContext(ctx).Scan(&deletedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check document %s: %w", sum.DocumentID, err)
		}
		if deletedAt.Valid {
			return ErrDeleted
		}

		return s.sb.Insert("summaries").
			Columns("document_id", "model", "length_preset_id", "content", "created_at").
			Values(sum.DocumentID, sum.Model, sum.LengthPresetID, sum.Content, toMillis(sum.CreatedAt)).
			Suffix("RETURNING id").
			RunWith(tx).QueryRowContext(ctx).Scan(&sum.ID)
	})
	if err != nil {
		return models.Summary{}, err
	}
	return sum, nil
}

// ListSummaries returns a document's summaries, oldest first.
func (s *Store) ListSummaries(ctx context.Context, documentID string) ([]models.Summary, error) {
	rows, err := s.sb.Select("id", "document_id", "model", "length_preset_id", "content", "created_at").
		From("summaries").Where(sq.Eq{"document_id": documentID}).OrderBy("id ASC").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list summaries %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []models.Summary
	for rows.Next() {
		var (
			sum       models.Summary
			preset    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&sum.ID, &sum.DocumentID, &sum.Model, &preset, &sum.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if preset.Valid {
			p := preset.String
			sum.LengthPresetID = &p
		}
		sum.CreatedAt = fromMillis(createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}
