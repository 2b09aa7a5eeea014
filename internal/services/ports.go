package services

import (
	"context"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/store"
)

// The interfaces below are the collaborators each stage depends on. The
// production implementations live in store, gcp and bus.

type DocumentStore interface {
	CreateDocument(ctx context.Context, nd store.NewDocument) (models.Document, models.FileVersion, error)
	AddFileVersion(ctx context.Context, documentID string, fv models.FileVersion) (models.FileVersion, error)
	AddMetadataVersion(ctx context.Context, documentID string, mv models.MetadataVersion) (models.MetadataVersion, error)
	ActiveDocument(ctx context.Context, id string) (models.Document, error)
	SetStage(ctx context.Context, documentID string, stage models.Stage, state models.StageState, errText string) error
	RestartProcessing(ctx context.Context, documentID string) error
}

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// InboxStore is the part of the object store used by bucket-drop ingestion.
type InboxStore interface {
	ObjectStore
	Delete(ctx context.Context, key string) error
	Attrs(ctx context.Context, bucket, key string) (*storage.ObjectAttrs, error)
	CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string) error
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type SearchIndex interface {
	UpsertMerge(ctx context.Context, id string, patch models.IndexPatch) error
}

type TextExtractor interface {
	ExtractText(ctx context.Context, page []byte, mimeType string) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	ModelName() string
}

type SummaryWriter interface {
	Create(ctx context.Context, documentID string, req models.CreateSummaryRequest) error
}

var (
	_ DocumentStore = (*store.Store)(nil)
	_ InboxStore    = (*gcp.ObjectStore)(nil)
	_ SearchIndex   = (*gcp.SearchIndex)(nil)
	_ TextExtractor = (*gcp.VertexClient)(nil)
	_ Summarizer    = (*gcp.VertexClient)(nil)
	_ SummaryWriter = (*SummariesClient)(nil)
)
