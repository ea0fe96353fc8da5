package cmd

import (
	"context"
	"flag"
	"log"

	"emqa-backend/internal/database"
	"emqa-backend/internal/messaging"
	"emqa-backend/internal/storage"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

const (
	UploadBucket = "uploads"
	ResultBucket = "results"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func EnsureBuckets(ctx context.Context, store storage.ObjectStore) {
	for _, bucket := range []string{UploadBucket, ResultBucket} {
		if err := store.CreateBucket(ctx, bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}
}

// RequeueJobs republishes jobs that were queued when the process last
// stopped. Only meaningful with the in-memory queue, which loses its
// contents on shutdown.
func RequeueJobs(db *gorm.DB, queue messaging.Publisher) {
	var jobs []database.ValidationJob
	if err := db.Where("status = ? AND deleted = ?", database.JobQueued, false).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch queued jobs from database: %v", err)
	}

	for _, job := range jobs {
		if err := queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}); err != nil {
			log.Fatalf("Failed to requeue job %s: %v", job.Id, err)
		}
	}
}
