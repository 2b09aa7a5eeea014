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
		slog.Error("Extraction worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Extraction worker stopped.")
}

func run(ctx context.Context) error {
	cfg, err := services.LoadExtractionConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Clients outlive the signal context so in-flight tasks can finish.
	clientCtx := context.WithoutCancel(ctx)

	docs, err := store.Open(cfg.DocStorePath, store.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer docs.Close()

	objects, err := gcp.NewObjectStore(clientCtx, cfg.ObjectStoreEndpoint, cfg.Bucket)
	if err != nil {
		return err
	}
	defer objects.Close()

	firestoreClient, err := gcp.NewFirestoreClient(clientCtx, cfg.ProjectID)
	if err != nil {
		return err
	}
	defer firestoreClient.Close()
	index := gcp.NewSearchIndex(firestoreClient, cfg.IndexCollection)

	vertex, err := gcp.NewVertexClient(clientCtx, cfg.ProjectID, cfg.VertexAIRegion, cfg.OCRModel, cfg.SummaryModel)
	if errors.Is(err, gcp.ErrNotConfigured) {
		slog.Warn("Vertex AI is not configured; extraction tasks will fail", "error", err)
	} else if err != nil {
		return err
	}
	defer vertex.Close()

	conn := bus.NewConn(cfg.Bus)
	defer conn.Close()
	publisher := bus.NewPublisher(conn, cfg.Bus.Exchange)
	defer publisher.Close()

	worker := services.NewExtraction(docs, objects, index, vertex, publisher, services.ExtractionOptions{
		ThumbnailWidth:  cfg.ThumbnailWidth,
		PageConcurrency: cfg.PageConcurrency,
	})

	go func() {
		if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Bus connection loop stopped", "error", err)
		}
	}()

	consumer := &bus.Consumer{
		Conn:           conn,
		Exchange:       cfg.Bus.Exchange,
		Queue:          models.QueueOCR,
		RoutingKey:     models.RouteOCR,
		Handler:        worker.Handle,
		HandlerTimeout: cfg.HandlerTimeout,
	}
	slog.Info("Starting extraction worker.", "broker", cfg.Bus.Addr(), "queue", models.QueueOCR, "bucket", cfg.Bucket)

	// Run returns once deliveries stop and in-flight handlers have finished.
	return consumer.Run(ctx)
}
