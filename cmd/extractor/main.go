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

	"github.com/avrec/logbookgo/internal/ai"
	"github.com/avrec/logbookgo/internal/blobstore"
	"github.com/avrec/logbookgo/internal/config"
	"github.com/avrec/logbookgo/internal/database"
	"github.com/avrec/logbookgo/internal/ingest"
	"github.com/avrec/logbookgo/internal/queue"
	"github.com/avrec/logbookgo/internal/store"
)

// The extractor consumes per-page tasks, runs vision extraction on each page
// image, and persists entries with their narrative embeddings.
func main() {
	log.Println("🚀 Logbook extractor starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := cfg.RequireGemini(); err != nil {
		log.Fatalf("❌ %v", err)
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

	geminiClient, err := ai.NewGeminiClient(ctx, cfg.Gemini)
	if err != nil {
		log.Fatalf("❌ Failed to create Gemini client: %v", err)
	}
	defer geminiClient.Close()

	extractor := ingest.NewExtractor(
		store.NewGormStore(db.DB),
		blobstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.AWS.Bucket),
		geminiClient,
		geminiClient.ExtractionModelName,
	)

	sqsClient := sqs.NewFromConfig(awsCfg)
	consumer := queue.NewConsumer(sqsClient, cfg.AWS.TaskQueueURL, extractor.HandleMessage)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("❌ Consumer stopped: %v", err)
	}

	log.Println("👋 Extractor stopped")
}
