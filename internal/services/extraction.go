package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/render"
	"github.com/Lllllllleong/paperlessflow/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ExtractionOptions tunes the extraction stage.
type ExtractionOptions struct {
	ThumbnailWidth  int
	PageConcurrency int
}

// Extraction is the ocr-queue handler: it turns a stored object into text,
// indexes it and hands it to summarization.
type Extraction struct {
	docs      DocumentStore
	objects   ObjectStore
	index     SearchIndex
	ocr       TextExtractor
	publisher Publisher
	opts      ExtractionOptions
	now       func() time.Time
}

func NewExtraction(docs DocumentStore, objects ObjectStore, index SearchIndex, ocr TextExtractor, publisher Publisher, opts ExtractionOptions) *Extraction {
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 256
	}
	if opts.PageConcurrency <= 0 {
		opts.PageConcurrency = 4
	}
	return &Extraction{
		docs:      docs,
		objects:   objects,
		index:     index,
		ocr:       ocr,
		publisher: publisher,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one ocr task. Failures that belong to a known document are
// recorded in its processing status and the message is consumed; a
// *PoisonError is returned only for tasks that cannot be attributed to an
// active document.
func (f *Extraction) Handle(ctx context.Context, body []byte) error {
	task, err := models.DecodeOCRTask(body)
	if err != nil {
		slog.Error("Dropping malformed ocr task.", "error", err)
		return poison("malformed ocr task", err)
	}

	idSegment, filename := models.SplitObjectKey(task.ObjectKey)
	logCtx := slog.With("documentId", idSegment, "objectKey", task.ObjectKey)
	if _, err := uuid.Parse(idSegment); err != nil {
		logCtx.Error("Dropping ocr task with invalid document id.", "error", err)
		return poison("invalid document id in object key", err)
	}
	if filename == "" {
		logCtx.Error("Dropping ocr task without filename.")
		return poison("object key has no filename", nil)
	}
	id := idSegment

	if _, err := f.docs.ActiveDocument(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDeleted) {
			logCtx.Warn("Dropping ocr task for unavailable document.", "error", err)
			return poison("document unavailable", err)
		}
		f.fail(ctx, logCtx, id, fmt.Errorf("load document: %w", err))
		return nil
	}

	logCtx.Info("Starting extraction.")
	f.setStage(ctx, logCtx, id, models.StageExtraction, models.StateRunning, "")

	data, err := f.objects.Get(ctx, task.ObjectKey)
	if err != nil {
		if errors.Is(err, gcp.ErrObjectNotFound) {
			f.fail(ctx, logCtx, id, fmt.Errorf("object not found: %s", task.ObjectKey))
			return nil
		}
		f.fail(ctx, logCtx, id, fmt.Errorf("fetch object: %w", err))
		return nil
	}

	thumb := make(chan BestEffort, 1)
	go func() { thumb <- f.writeThumbnail(ctx, id, data) }()

	text, err := f.extractText(ctx, logCtx, data)
	(<-thumb).Log(logCtx)
	if err != nil {
		f.fail(ctx, logCtx, id, err)
		return nil
	}

	if err := f.index.UpsertMerge(ctx, id, models.IndexPatch{OCR: &text, Timestamp: f.now()}); err != nil {
		f.setStage(ctx, logCtx, id, models.StageIndexing, models.StateFailed, "index ocr text: "+err.Error())
		f.fail(ctx, logCtx, id, fmt.Errorf("index ocr text: %w", err))
		return nil
	}
	f.setStage(ctx, logCtx, id, models.StageIndexing, models.StateSucceeded, "")

	next, err := models.EncodeGenAITask(models.GenAITask{DocumentID: id, Text: text})
	if err != nil {
		f.fail(ctx, logCtx, id, fmt.Errorf("encode genai task: %w", err))
		return nil
	}
	f.setStage(ctx, logCtx, id, models.StageSummarization, models.StateQueued, "")
	if err := f.publisher.Publish(ctx, models.RouteGenAI, next); err != nil {
		f.setStage(ctx, logCtx, id, models.StageSummarization, models.StateNotStarted, "")
		f.fail(ctx, logCtx, id, fmt.Errorf("publish genai task: %w", err))
		return nil
	}

	f.setStage(ctx, logCtx, id, models.StageExtraction, models.StateSucceeded, "")
	logCtx.Info("Extraction complete.", "chars", len(text))
	return nil
}

// extractText runs OCR on every page concurrently and joins the results in
// page order.
func (f *Extraction) extractText(ctx context.Context, logCtx *slog.Logger, data []byte) (string, error) {
	pages, err := render.Pages(data)
	if err != nil {
		return "", fmt.Errorf("render pages: %w", err)
	}
	logCtx.Info("Rendered pages.", "pageCount", len(pages))

	texts := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.PageConcurrency)
	for i, p := range pages {
		g.Go(func() error {
			t, err := f.ocr.ExtractText(gctx, p.Data, p.MIMEType)
			if err != nil {
				return fmt.Errorf("extract text from page %d: %w", p.Number, err)
			}
			texts[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return render.JoinPages(texts), nil
}

func (f *Extraction) writeThumbnail(ctx context.Context, id string, data []byte) BestEffort {
	out := BestEffort{Op: "thumbnail"}
	png, err := render.Thumbnail(data, f.opts.ThumbnailWidth)
	if err != nil {
		out.Err = err
		return out
	}
	out.Err = f.objects.Put(ctx, models.ThumbnailKey(id), png, "image/png")
	return out
}

func (f *Extraction) fail(ctx context.Context, logCtx *slog.Logger, id string, err error) {
	logCtx.Error("Extraction failed.", "error", err)
	f.setStage(ctx, logCtx, id, models.StageExtraction, models.StateFailed, err.Error())
}

func (f *Extraction) setStage(ctx context.Context, logCtx *slog.Logger, id string, stage models.Stage, state models.StageState, errText string) {
	ctx, cancel := statusContext(ctx)
	defer cancel()
	if err := f.docs.SetStage(ctx, id, stage, state, errText); err != nil {
		logCtx.Warn("Failed to record processing status.", "stage", stage, "state", state, "error", err)
	}
}
