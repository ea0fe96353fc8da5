package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"emqa-backend/cmd"
	"emqa-backend/internal/api"
	"emqa-backend/internal/core"
	"emqa-backend/internal/core/predictor"
	"emqa-backend/internal/core/volume"
	"emqa-backend/internal/database"
	"emqa-backend/internal/messaging"
	"emqa-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

// The local binary runs the whole pipeline in one process: sqlite for the
// job table, the filesystem as object store, and an in-memory queue in
// place of RabbitMQ.
type Config struct {
	Root string `env:"ROOT" envDefault:"./emqa"`
	Port int    `env:"PORT" envDefault:"3001"`

	PredictorInstallDir string        `env:"PREDICTOR_INSTALL_DIR,notEmpty,required"`
	PredictorActivation string        `env:"PREDICTOR_ACTIVATION_CMD" envDefault:""`
	PredictorShell      string        `env:"PREDICTOR_SHELL" envDefault:""`
	ChimeraXPath        string        `env:"CHIMERAX_PATH" envDefault:""`
	ResampleWaitTimeout time.Duration `env:"RESAMPLE_WAIT_TIMEOUT" envDefault:"2m"`
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, queue, store, cmd.UploadBucket, cmd.ResultBucket)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	db, err := database.NewDatabase(filepath.Join(cfg.Root, "db", "emqa.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}
	cmd.EnsureBuckets(context.Background(), store)

	queue := messaging.NewInMemoryQueue()
	cmd.RequeueJobs(db, queue)

	runner := predictor.NewRunner(predictor.Config{
		InstallDir:    cfg.PredictorInstallDir,
		ActivationCmd: cfg.PredictorActivation,
		Shell:         cfg.PredictorShell,
	})

	resampler := &volume.Resampler{
		Program:     cfg.ChimeraXPath,
		WaitTimeout: cfg.ResampleWaitTimeout,
	}

	worker := core.NewTaskProcessor(db, store, queue, queue, runner, resampler, cmd.UploadBucket, cmd.ResultBucket)

	server := createServer(db, store, queue, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
