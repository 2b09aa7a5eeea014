package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Lllllllleong/paperlessflow/internal/bus"
	"github.com/Lllllllleong/paperlessflow/internal/gcp"
)

// LoadBusConfig reads the broker coordinates.
func LoadBusConfig() (bus.Config, error) {
	port, err := strconv.Atoi(gcp.GetEnv("AMQP_PORT", "5672"))
	if err != nil {
		return bus.Config{}, fmt.Errorf("AMQP_PORT must be a number: %w", err)
	}
	return bus.Config{
		Host:     gcp.GetEnv("AMQP_HOST", "localhost"),
		Port:     port,
		User:     gcp.GetEnv("AMQP_USER", "guest"),
		Password: gcp.GetEnv("AMQP_PASSWORD", "guest"),
		VHost:    gcp.GetEnv("AMQP_VHOST", "/"),
		Exchange: gcp.GetEnv("AMQP_EXCHANGE", "paperless"),
	}, nil
}

// handlerTimeout reads HANDLER_TIMEOUT, the bound on processing one message.
func handlerTimeout(fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(gcp.GetEnv("HANDLER_TIMEOUT", fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("HANDLER_TIMEOUT must be a positive duration")
	}
	return d, nil
}

// IntakeConfig holds configuration for the intake process.
type IntakeConfig struct {
	Bus                 bus.Config
	ObjectStoreEndpoint string
	Bucket              string
	InboxBucket         string
	ProjectID           string
	IndexCollection     string
	DocStorePath        string
}

func LoadIntakeConfig() (*IntakeConfig, error) {
	busCfg, err := LoadBusConfig()
	if err != nil {
		return nil, err
	}
	return &IntakeConfig{
		Bus:                 busCfg,
		ObjectStoreEndpoint: gcp.GetEnv("OBJECT_STORE_ENDPOINT", ""),
		Bucket:              gcp.GetEnv("OBJECT_STORE_BUCKET", "paperless-documents"),
		InboxBucket:         gcp.GetEnv("INBOX_BUCKET", ""),
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		IndexCollection:     gcp.GetEnv("SEARCH_INDEX_COLLECTION", "search-index"),
		DocStorePath:        gcp.GetEnv("DOCSTORE_PATH", "paperless.db"),
	}, nil
}

// ExtractionConfig holds configuration for the extraction worker.
type ExtractionConfig struct {
	Bus                 bus.Config
	ObjectStoreEndpoint string
	Bucket              string
	ProjectID           string
	VertexAIRegion      string
	OCRModel            string
	SummaryModel        string
	IndexCollection     string
	DocStorePath        string
	ThumbnailWidth      int
	PageConcurrency     int
	HandlerTimeout      time.Duration
}

func LoadExtractionConfig() (*ExtractionConfig, error) {
	busCfg, err := LoadBusConfig()
	if err != nil {
		return nil, err
	}
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	width, err := strconv.Atoi(gcp.GetEnv("THUMBNAIL_WIDTH", "256"))
	if err != nil || width <= 0 {
		return nil, fmt.Errorf("THUMBNAIL_WIDTH must be a positive number")
	}
	concurrency, err := strconv.Atoi(gcp.GetEnv("PAGE_CONCURRENCY", "4"))
	if err != nil || concurrency <= 0 {
		return nil, fmt.Errorf("PAGE_CONCURRENCY must be a positive number")
	}
	timeout, err := handlerTimeout("10m")
	if err != nil {
		return nil, err
	}
	return &ExtractionConfig{
		Bus:                 busCfg,
		ObjectStoreEndpoint: gcp.GetEnv("OBJECT_STORE_ENDPOINT", ""),
		Bucket:              gcp.GetEnv("OBJECT_STORE_BUCKET", "paperless-documents"),
		ProjectID:           projectID,
		VertexAIRegion:      gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		OCRModel:            gcp.GetEnv("OCR_MODEL", "gemini-1.5-flash"),
		SummaryModel:        gcp.GetEnv("SUMMARY_MODEL", "gemini-1.5-pro"),
		IndexCollection:     gcp.GetEnv("SEARCH_INDEX_COLLECTION", "search-index"),
		DocStorePath:        gcp.GetEnv("DOCSTORE_PATH", "paperless.db"),
		ThumbnailWidth:      width,
		PageConcurrency:     concurrency,
		HandlerTimeout:      timeout,
	}, nil
}

// SummarizationConfig holds configuration for the summarization worker.
type SummarizationConfig struct {
	Bus             bus.Config
	ProjectID       string
	VertexAIRegion  string
	OCRModel        string
	SummaryModel    string
	IndexCollection string
	DocStorePath    string
	RESTBaseURL     string
	RESTAPIKey      string
	HandlerTimeout  time.Duration
}

func LoadSummarizationConfig() (*SummarizationConfig, error) {
	busCfg, err := LoadBusConfig()
	if err != nil {
		return nil, err
	}
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	timeout, err := handlerTimeout("5m")
	if err != nil {
		return nil, err
	}
	return &SummarizationConfig{
		Bus:             busCfg,
		ProjectID:       projectID,
		VertexAIRegion:  gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		OCRModel:        gcp.GetEnv("OCR_MODEL", "gemini-1.5-flash"),
		SummaryModel:    gcp.GetEnv("SUMMARY_MODEL", "gemini-1.5-pro"),
		IndexCollection: gcp.GetEnv("SEARCH_INDEX_COLLECTION", "search-index"),
		DocStorePath:    gcp.GetEnv("DOCSTORE_PATH", "paperless.db"),
		RESTBaseURL:     gcp.GetEnv("REST_BASE_URL", "http://localhost:8080"),
		RESTAPIKey:      gcp.GetEnv("REST_API_KEY", ""),
		HandlerTimeout:  timeout,
	}, nil
}
