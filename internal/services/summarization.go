package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/store"
	"github.com/google/uuid"
)

const (
	persistAttempts = 3
	persistBackoff  = 500 * time.Millisecond
)

// Summarization is the genai-queue handler: it summarizes extracted text,
// persists the summary through the REST API and indexes it.
type Summarization struct {
	docs       DocumentStore
	summarizer Summarizer
	summaries  SummaryWriter
	index      SearchIndex
	backoff    time.Duration
	now        func() time.Time
}

func NewSummarization(docs DocumentStore, summarizer Summarizer, summaries SummaryWriter, index SearchIndex) *Summarization {
	return &Summarization{
		docs:       docs,
		summarizer: summarizer,
		summaries:  summaries,
		index:      index,
		backoff:    persistBackoff,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one genai task. The message is consumed whatever happens
// to persistence and indexing; a summary that could not be persisted leaves
// summarization Failed.
func (f *Summarization) Handle(ctx context.Context, body []byte) error {
	task, err := models.DecodeGenAITask(body)
	if err != nil {
		slog.Error("Dropping malformed genai task.", "error", err)
		return poison("malformed genai task", err)
	}
	logCtx := slog.With("documentId", task.DocumentID)
	if _, err := uuid.Parse(task.DocumentID); err != nil {
		logCtx.Error("Dropping genai task with invalid document id.", "error", err)
		return poison("invalid document id", err)
	}
	id := task.DocumentID

	if _, err := f.docs.ActiveDocument(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDeleted) {
			logCtx.Warn("Dropping genai task for unavailable document.", "error", err)
			return poison("document unavailable", err)
		}
		f.fail(ctx, logCtx, id, fmt.Errorf("load document: %w", err))
		return nil
	}

	if strings.TrimSpace(task.Text) == "" {
		f.fail(ctx, logCtx, id, errors.New("no extracted text to summarize"))
		return nil
	}

	logCtx.Info("Starting summarization.", "chars", len(task.Text))
	f.setStage(ctx, logCtx, id, models.StageSummarization, models.StateRunning, "")

	summary, err := f.summarizer.Summarize(ctx, task.Text)
	if err != nil {
		if errors.Is(err, gcp.ErrNotConfigured) {
			logCtx.Error("Summarization model is not configured.", "error", err)
		}
		f.fail(ctx, logCtx, id, fmt.Errorf("summarize: %w", err))
		return nil
	}

	req := models.CreateSummaryRequest{Model: f.summarizer.ModelName(), Content: summary}
	if err := f.persist(ctx, logCtx, id, req); err != nil {
		logCtx.Error("Giving up on persisting summary.", "attempts", persistAttempts, "error", err)
		f.fail(ctx, logCtx, id, fmt.Errorf("persist summary: %w", err))
		return nil
	}
	f.indexSummary(ctx, logCtx, id, summary).Log(logCtx)

	f.setStage(ctx, logCtx, id, models.StageSummarization, models.StateSucceeded, "")
	logCtx.Info("Summarization complete.")
	return nil
}

// persist submits the summary, retrying transient failures with a doubling
// backoff.
func (f *Summarization) persist(ctx context.Context, logCtx *slog.Logger, id string, req models.CreateSummaryRequest) error {
	backoff := f.backoff
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err := f.summaries.Create(ctx, id, req)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == persistAttempts {
			break
		}
		logCtx.Warn("Persisting summary failed, will retry.",
			"attempt", attempt,
			"maxAttempts", persistAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}

func (f *Summarization) indexSummary(ctx context.Context, logCtx *slog.Logger, id, summary string) BestEffort {
	out := BestEffort{Op: "index summary"}
	out.Err = f.index.UpsertMerge(ctx, id, models.IndexPatch{Summary: &summary, Timestamp: f.now()})
	if out.Err != nil {
		f.setStage(ctx, logCtx, id, models.StageIndexing, models.StateFailed, "index summary: "+out.Err.Error())
	} else {
		f.setStage(ctx, logCtx, id, models.StageIndexing, models.StateSucceeded, "")
	}
	return out
}

func (f *Summarization) fail(ctx context.Context, logCtx *slog.Logger, id string, err error) {
	logCtx.Error("Summarization failed.", "error", err)
	f.setStage(ctx, logCtx, id, models.StageSummarization, models.StateFailed, err.Error())
}

func (f *Summarization) setStage(ctx context.Context, logCtx *slog.Logger, id string, stage models.Stage, state models.StageState, errText string) {
	ctx, cancel := statusContext(ctx)
	defer cancel()
	if err := f.docs.SetStage(ctx, id, stage, state, errText); err != nil {
		logCtx.Warn("Failed to record processing status.", "stage", stage, "state", state, "error", err)
	}
}
