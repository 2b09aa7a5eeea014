package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/paperlessflow/internal/bus"
	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/services"
	"github.com/Lllllllleong/paperlessflow/internal/store"
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Summarization worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Summarization worker stopped.")
}

func run(ctx context.Context) error {
	cfg, err := services.LoadSummarizationConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	clientCtx := context.WithoutCancel(ctx)

	docs, err := store.Open(cfg.DocStorePath, store.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer docs.Close()

	firestoreClient, err := gcp.NewFirestoreClient(clientCtx, cfg.ProjectID)
	if err != nil {
		return err
	}
	defer firestoreClient.Close()
	index := gcp.NewSearchIndex(firestoreClient, cfg.IndexCollection)

	// A missing model leaves a nil client whose calls report ErrNotConfigured,
	// so tasks are recorded as failed rather than crashing the worker.
	vertex, err := gcp.NewVertexClient(clientCtx, cfg.ProjectID, cfg.VertexAIRegion, cfg.OCRModel, cfg.SummaryModel)
	if errors.Is(err, gcp.ErrNotConfigured) {
		slog.Warn("Vertex AI is not configured; summarization tasks will fail", "error", err)
	} else if err != nil {
		return err
	}
	defer vertex.Close()

	summaries := services.NewSummariesClient(cfg.RESTBaseURL, cfg.RESTAPIKey)
	worker := services.NewSummarization(docs, vertex, summaries, index)

	conn := bus.NewConn(cfg.Bus)
	defer conn.Close()
	go func() {
		if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Bus connection loop stopped", "error", err)
		}
	}()

	consumer := &bus.Consumer{
		Conn:           conn,
		Exchange:       cfg.Bus.Exchange,
		Queue:          models.QueueGenAI,
		RoutingKey:     models.RouteGenAI,
		Handler:        worker.Handle,
		HandlerTimeout: cfg.HandlerTimeout,
	}
	slog.Info("Starting summarization worker.", "broker", cfg.Bus.Addr(), "queue", models.QueueGenAI, "restBaseUrl", cfg.RESTBaseURL)
	return consumer.Run(ctx)
}
