package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/paperlessflow/internal/api"
	"github.com/Lllllllleong/paperlessflow/internal/bus"
	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"github.com/Lllllllleong/paperlessflow/internal/services"
	"github.com/Lllllllleong/paperlessflow/internal/store"
)

// intakeApp holds the process-wide clients of the intake service.
type intakeApp struct {
	intake  *services.Intake
	handler http.Handler
}

var (
	app     *intakeApp
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("Intake", handleIntake)
	functions.CloudEvent("IngestObject", ingestObject)
}

func main() {
	port := gcp.GetEnv("PORT", "8080")
	slog.Info("Starting intake server.", "port", port)
	if err := funcframework.Start(port); err != nil {
		slog.Error("Intake server stopped", "error", err)
		os.Exit(1)
	}
}

func getApp() (*intakeApp, error) {
	once.Do(func() {
		app, initErr = newIntakeApp(context.Background())
	})
	return app, initErr
}

func newIntakeApp(ctx context.Context) (*intakeApp, error) {
	cfg, err := services.LoadIntakeConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	docs, err := store.Open(cfg.DocStorePath, store.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	objects, err := gcp.NewObjectStore(ctx, cfg.ObjectStoreEndpoint, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	index := gcp.NewSearchIndex(firestoreClient, cfg.IndexCollection)

	// The connection lives as long as the process; publishes wait for it.
	conn := bus.NewConn(cfg.Bus)
	go func() {
		if err := conn.Run(context.Background()); err != nil {
			slog.Error("Bus connection loop stopped", "error", err)
		}
	}()
	publisher := bus.NewPublisher(conn, cfg.Bus.Exchange)

	intake := services.NewIntake(docs, objects, publisher, cfg.InboxBucket)
	server := api.NewServer(intake, docs, index, map[string]api.Check{
		"bus":         conn.Probe,
		"objectStore": objects.Exists,
		"searchIndex": index.Ping,
		"docStore":    docs.Ping,
	}, slog.Default())

	slog.Info("Intake initialized.", "bucket", cfg.Bucket, "broker", cfg.Bus.Addr(), "inboxBucket", cfg.InboxBucket)
	return &intakeApp{intake: intake, handler: server.Router()}, nil
}

// handleIntake serves the HTTP API.
func handleIntake(w http.ResponseWriter, r *http.Request) {
	a, err := getApp()
	if err != nil {
		slog.Error("Critical error during intake initialization", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	a.handler.ServeHTTP(w, r)
}

// ingestObject handles an object-finalized event from the inbox bucket.
func ingestObject(ctx context.Context, e cloudevents.Event) error {
	a, err := getApp()
	if err != nil {
		slog.Error("Critical error during intake initialization", "error", err)
		return err
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	id, err := a.intake.IngestObject(ctx, gcsEvent)
	if services.IsIgnored(err) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("Ingested inbox object.", "documentId", id, "eventId", e.ID())
	return nil
}
