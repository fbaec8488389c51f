package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/avrec/logbookgo/internal/blobstore"
	"github.com/avrec/logbookgo/internal/config"
	"github.com/avrec/logbookgo/internal/database"
	"github.com/avrec/logbookgo/internal/ingest"
	"github.com/avrec/logbookgo/internal/queue"
	"github.com/avrec/logbookgo/internal/store"
)

// The splitter consumes object-store deposit notifications and turns each
// deposited document into per-page extraction tasks.
func main() {
	log.Println("🚀 Logbook splitter starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("❌ Failed to migrate database: %v", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		log.Fatalf("❌ Failed to load AWS config: %v", err)
	}

	blobs := blobstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.AWS.Bucket)
	sqsClient := sqs.NewFromConfig(awsCfg)
	tasks := queue.NewSQSQueue(sqsClient, cfg.AWS.TaskQueueURL)

	splitter := ingest.NewSplitter(
		store.NewGormStore(db.DB),
		blobs,
		tasks,
		cfg.Pipeline.SplitConcurrency,
		cfg.Pipeline.MutoolPath,
		cfg.Pipeline.HeifConvertPath,
	)

	consumer := queue.NewConsumer(sqsClient, cfg.AWS.DepositQueueURL, splitter.HandleMessage)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("❌ Consumer stopped: %v", err)
	}

	log.Println("👋 Splitter stopped")
}
