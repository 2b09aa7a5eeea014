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

// SetStage records the state of one pipeline stage. errText replaces the last
// error when non-empty.
func (s *Store) SetStage(ctx context.Context, documentID string, stage models.Stage, state models.StageState, errText string) error {
	if _, err := models.ParseStage(string(stage)); err != nil {
		return err
	}
	if !state.Valid() {
		return fmt.Errorf("unknown stage state %q", state)
	}

	q := s.sb.Update("processing_status").
		Set(string(stage), string(state)).
		Set("updated_at", toMillis(time.Now())).
		Where(sq.Eq{"document_id": documentID})
	if errText != "" {
		q = q.Set("last_error", errText)
	}
	res, err := q.RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("set %s=%s for %s: %w", stage, state, documentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProcessingStatus returns the processing status row of a document.
func (s *Store) GetProcessingStatus(ctx context.Context, documentID string) (models.ProcessingStatus, error) {
	var (
		ps        models.ProcessingStatus
		updatedAt int64
	)
	err := s.sb.Select("document_id", "extraction", "summarization", "indexing", "last_error", "updated_at").
		From("processing_status").Where(sq.Eq{"document_id": documentID}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&ps.DocumentID, &ps.Extraction, &ps.Summarization, &ps.Indexing, &ps.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProcessingStatus{}, ErrNotFound
	}
	if err != nil {
		return models.ProcessingStatus{}, fmt.Errorf("get status %s: %w", documentID, err)
	}
	ps.UpdatedAt = fromMillis(updatedAt)
	return ps, nil
}

// RestartProcessing marks a document as queued for extraction and resets the
// later stages, so the status row describes the version being processed.
func (s *Store) RestartProcessing(ctx context.Context, documentID string) error {
	res, err := s.sb.Update("processing_status").
		Set(string(models.StageExtraction), string(models.StateQueued)).
		Set(string(models.StageSummarization), string(models.StateNotStarted)).
		Set(string(models.StageIndexing), string(models.StateNotStarted)).
		Set("last_error", "").
		Set("updated_at", toMillis(time.Now())).
		Where(sq.Eq{"document_id": documentID}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("restart processing for %s: %w", documentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
