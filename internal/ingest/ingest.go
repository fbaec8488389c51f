// Package ingest implements the asynchronous logbook ingestion pipeline:
// batch creation, document splitting, per-page extraction, and batch
// completion rollup. Stages run as independent stateless workers; the
// relational store is their only coordination point.
package ingest

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/avrec/logbookgo/internal/models"
	"github.com/avrec/logbookgo/internal/store"
)

// Store is the persistence surface the pipeline stages require.
// *store.GormStore satisfies it.
type Store interface {
	UpsertAircraft(ctx context.Context, registration string) (*models.Aircraft, error)
	GetAircraft(ctx context.Context, id string) (*models.Aircraft, error)

	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	TransitionBatch(ctx context.Context, id string, from, to models.BatchStatus) (bool, error)
	SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error
	SetBatchPageCount(ctx context.Context, id string, count int) error

	CreatePage(ctx context.Context, page *models.Page) error
	GetPageByNumber(ctx context.Context, batchID string, pageNumber int) (*models.Page, error)
	SetPageStatus(ctx context.Context, id string, status models.PageStatus) error
	RecordExtraction(ctx context.Context, id string, raw datatypes.JSON, pageType, model string) error
	CompletePage(ctx context.Context, id string, needsReview bool) error
	CountPages(ctx context.Context, batchID string) (*store.PageCounts, error)

	CreateEntry(ctx context.Context, entry *models.MaintenanceEntry) error
	CreatePartsAction(ctx context.Context, action *models.PartsAction) error
	CreateADCompliance(ctx context.Context, record *models.ADCompliance) error
	CreateInspectionRecord(ctx context.Context, record *models.InspectionRecord) error
	UpsertEmbedding(ctx context.Context, entryID, chunkType, chunkText string, vector []float32) error
}

// Task is one extraction work item, one message per page on the work queue.
// Delivery is at-least-once; processing must tolerate duplicates.
type Task struct {
	BatchID    string `json:"batchId"`
	PageID     string `json:"pageId"`
	PageNumber int    `json:"pageNumber"`
	ImageKey   string `json:"imageKey"`
}

// Encode serializes a task for the queue.
func (t Task) Encode() string {
	b, _ := json.Marshal(t)
	return string(b)
}

// Storage prefixes. The deposit notification's key prefix decides whether the
// splitter sees a whole document or one pre-declared page.
const (
	UploadPrefix = "uploads"
	PagePrefix   = "pages"
)
