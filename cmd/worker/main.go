package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emqa-backend/cmd"
	"emqa-backend/internal/core"
	"emqa-backend/internal/core/predictor"
	"emqa-backend/internal/core/volume"
	"emqa-backend/internal/database"
	"emqa-backend/internal/messaging"
	"emqa-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:""`

	PredictorInstallDir string        `env:"PREDICTOR_INSTALL_DIR,notEmpty,required"`
	PredictorActivation string        `env:"PREDICTOR_ACTIVATION_CMD" envDefault:""`
	PredictorShell      string        `env:"PREDICTOR_SHELL" envDefault:""`
	ChimeraXPath        string        `env:"CHIMERAX_PATH" envDefault:""`
	ResampleWaitTimeout time.Duration `env:"RESAMPLE_WAIT_TIMEOUT" envDefault:"2m"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}

	runner := predictor.NewRunner(predictor.Config{
		InstallDir:    cfg.PredictorInstallDir,
		ActivationCmd: cfg.PredictorActivation,
		Shell:         cfg.PredictorShell,
	})

	resampler := &volume.Resampler{
		Program:     cfg.ChimeraXPath,
		WaitTimeout: cfg.ResampleWaitTimeout,
	}
	if !resampler.Installed() {
		slog.Warn("chimerax not found, jobs requesting resampling will fail", "path", cfg.ChimeraXPath)
	}

	processor := core.NewTaskProcessor(db, store, publisher, receiver, runner, resampler, cmd.UploadBucket, cmd.ResultBucket)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutdown signal received, stopping worker")
		processor.Stop()
	}()

	slog.Info("worker started, waiting for tasks")
	processor.Start()

	log.Println("Worker process stopped.")
}
