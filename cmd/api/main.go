package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/faceid/internal/api"
	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/batch"
	"github.com/your-org/faceid/internal/cache"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/index"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/internal/recognition"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting faceid API service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		slog.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO (enrollment snapshot archive)
	var snapshots *storage.SnapshotStore
	if cfg.MinIO.Endpoint != "" {
		snapshots, err = storage.NewSnapshotStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := snapshots.EnsureBucket(context.Background()); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
	}

	// Connect to NATS (recognition event bus)
	var producer *queue.Producer
	if cfg.NATS.URL != "" {
		producer, err = queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStream(context.Background()); err != nil {
			slog.Warn("ensure nats stream", "error", err)
		}
	}

	// Result cache: Redis with in-process fallback
	resultCache := cache.New(context.Background(), cfg.Redis.URL, cfg.Cache.TTL, cfg.Cache.MaxSize)
	defer resultCache.Close()

	// Vision models
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("initialize onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	adapter, err := vision.NewAdapter(cfg.Vision)
	if err != nil {
		slog.Error("load vision models", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	warmupCtx, warmupCancel := context.WithTimeout(context.Background(), cfg.Vision.ModelLoadTimeout)
	if err := adapter.Warmup(warmupCtx); err != nil {
		warmupCancel()
		slog.Error("warm up vision models", "error", err)
		os.Exit(1)
	}
	warmupCancel()

	// Vector index: load persisted state, or bulk-load from the store
	idx := index.New(index.Options{
		IndexPath:      cfg.Index.IndexPath(),
		MetaPath:       cfg.Index.MetaPath(),
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		MaxElements:    cfg.Index.MaxElements,
	})
	if err := idx.Init(); err != nil {
		slog.Error("initialize index", "error", err)
		os.Exit(1)
	}
	if idx.Size() == 0 {
		users, err := db.ListActive(context.Background())
		if err != nil {
			slog.Error("load active users for index", "error", err)
			os.Exit(1)
		}
		if len(users) > 0 {
			if err := idx.Rebuild(users); err != nil {
				slog.Error("bulk-load index", "error", err)
				os.Exit(1)
			}
		}
	}

	observability.PrimeGauges()
	observability.HNSWIndexSize.Set(float64(idx.Size()))
	if n, err := db.CountActive(context.Background()); err == nil {
		observability.ActiveUsers.Set(float64(n))
	}

	// Recognition coordinator
	coordinator := recognition.NewCoordinator(db, adapter, idx, resultCache, cfg.Recognition, cfg.Cache.TTL)
	if producer != nil {
		coordinator.SetEventPublisher(producer)
	}
	if snapshots != nil {
		coordinator.SetSnapshotSink(snapshots)
	}

	// Batch engine
	engine := batch.NewEngine(coordinator, db, cfg.Batch.MaxBatchSize, cfg.Batch.MaxConcurrency, cfg.Batch.JobTTL)

	// WebSocket hub fed by the recognition event stream
	hub := ws.NewHub()
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NATS.URL != "" {
		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create event consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		err = consumer.ConsumeRecognition(ctx, "api-recognition", func(ctx context.Context, msg jetstream.Msg) error {
			var event models.RecognitionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				return err
			}
			hub.BroadcastEvent(&event)
			return nil
		})
		if err != nil {
			slog.Warn("start event consumer", "error", err)
		}
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:      cfg.Server.APIKey,
		DB:          db,
		Snapshots:   snapshots,
		Producer:    producer,
		Hub:         hub,
		Cache:       resultCache,
		Index:       idx,
		Coordinator: coordinator,
		Engine:      engine,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Drain background work before persisting state.
	engine.Stop()
	coordinator.Drain()

	if err := idx.Save(); err != nil {
		slog.Error("persist index on shutdown", "error", err)
	}

	slog.Info("API server stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
