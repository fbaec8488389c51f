package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/urfave/cli/v2"

	"github.com/avrec/logbookgo/internal/ai"
	"github.com/avrec/logbookgo/internal/blobstore"
	"github.com/avrec/logbookgo/internal/config"
	"github.com/avrec/logbookgo/internal/database"
	"github.com/avrec/logbookgo/internal/ingest"
	"github.com/avrec/logbookgo/internal/retrieval"
	"github.com/avrec/logbookgo/internal/store"
)

// logbookctl is the operator CLI: create upload batches, check their
// progress, and ask questions against digitized records.
func main() {
	app := &cli.App{
		Name:  "logbookctl",
		Usage: "operate the logbook digitization pipeline",
		Commands: []*cli.Command{
			{
				Name:      "create-batch",
				Usage:     "register an upload batch and print its write grants",
				ArgsUsage: "FILE [FILE...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "registration", Aliases: []string{"r"}, Required: true, Usage: "aircraft registration (tail number)"},
					&cli.StringFlag{Name: "logbook-type", Value: "airframe", Usage: "airframe, engine, or propeller"},
				},
				Action: runCreateBatch,
			},
			{
				Name:      "status",
				Usage:     "show the progress of one batch",
				ArgsUsage: "BATCH_ID",
				Action:    runStatus,
			},
			{
				Name:      "ask",
				Usage:     "ask a question about one aircraft's maintenance history",
				ArgsUsage: "QUESTION",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "registration", Aliases: []string{"r"}, Required: true, Usage: "aircraft registration (tail number)"},
				},
				Action: runAsk,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func openStore(cfg *config.Config) (*store.GormStore, func(), error) {
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store.NewGormStore(db.DB), func() { db.Close() }, nil
}

func runCreateBatch(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one file is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return err
	}
	blobs := blobstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.AWS.Bucket)

	coordinator := ingest.NewCoordinator(st, blobs, cfg.Pipeline.MaxUploadFiles, cfg.Pipeline.UploadGrantTTL)

	req := ingest.CreateBatchRequest{
		Registration: c.String("registration"),
		LogbookType:  c.String("logbook-type"),
	}
	for _, filename := range c.Args().Slice() {
		req.Files = append(req.Files, ingest.FileSpec{Filename: filename})
	}

	result, err := coordinator.CreateBatch(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runStatus(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one batch ID is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	coordinator := ingest.NewCoordinator(st, nil, cfg.Pipeline.MaxUploadFiles, cfg.Pipeline.UploadGrantTTL)
	report, err := coordinator.GetStatus(context.Background(), c.Args().First())
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runAsk(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("a question is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireGemini(); err != nil {
		return err
	}

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := context.Background()
	geminiClient, err := ai.NewGeminiClient(ctx, cfg.Gemini)
	if err != nil {
		return err
	}
	defer geminiClient.Close()

	engine := retrieval.NewEngine(st, geminiClient)
	answer, err := engine.Ask(ctx, c.String("registration"), strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return err
	}
	return printJSON(answer)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
