package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/avrec/logbookgo/internal/blobstore"
	"github.com/avrec/logbookgo/internal/models"
)

// ErrValidation marks synchronous rejections of a bad request. Nothing has
// been written when it is returned.
var ErrValidation = errors.New("validation failed")

var registrationPattern = regexp.MustCompile(`^[A-Z0-9-]{2,10}$`)

var pdfExtensions = map[string]bool{".pdf": true}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tiff": true, ".tif": true, ".heic": true, ".heif": true,
}

var contentTypeMap = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".png": "image/png", ".gif": "image/gif",
	".bmp": "image/bmp", ".tiff": "image/tiff", ".tif": "image/tiff",
	".heic": "image/heic", ".heif": "image/heif",
	".pdf": "application/pdf",
}

// Coordinator creates batches and answers status queries. It owns no pipeline
// state of its own; everything lives in the store.
type Coordinator struct {
	store    Store
	blobs    blobstore.ObjectStore
	maxFiles int
	grantTTL time.Duration
}

// NewCoordinator wires a coordinator
func NewCoordinator(st Store, blobs blobstore.ObjectStore, maxFiles int, grantTTL time.Duration) *Coordinator {
	if maxFiles <= 0 {
		maxFiles = 500
	}
	if grantTTL <= 0 {
		grantTTL = time.Hour
	}
	return &Coordinator{store: st, blobs: blobs, maxFiles: maxFiles, grantTTL: grantTTL}
}

// FileSpec names one file the caller intends to deposit.
type FileSpec struct {
	Filename string `json:"filename"`
}

// CreateBatchRequest describes one upload: a single composite PDF or a set of
// page images, never mixed.
type CreateBatchRequest struct {
	Registration string     `json:"registration"`
	LogbookType  string     `json:"logbookType"`
	Files        []FileSpec `json:"files"`
}

// UploadGrant is a time-limited write grant for one expected blob.
type UploadGrant struct {
	Filename   string `json:"filename"`
	PageNumber int    `json:"pageNumber,omitempty"`
	Key        string `json:"key"`
	URL        string `json:"uploadUrl"`
}

// CreateBatchResult is the coordinator's answer: the batch plus one grant per
// expected blob.
type CreateBatchResult struct {
	BatchID   string           `json:"batchId"`
	Mode      models.BatchMode `json:"mode"`
	PageCount int              `json:"pageCount,omitempty"`
	Grants    []UploadGrant    `json:"files"`
}

// CreateBatch validates the manifest, upserts the aircraft by registration,
// and creates the batch (plus page placeholders in page-set mode). All
// validation happens before any row or grant exists.
func (c *Coordinator) CreateBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchResult, error) {
	registration := strings.ToUpper(strings.TrimSpace(req.Registration))
	if !registrationPattern.MatchString(registration) {
		return nil, fmt.Errorf("%w: invalid aircraft registration %q", ErrValidation, req.Registration)
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: files list is empty", ErrValidation)
	}
	if len(req.Files) > c.maxFiles {
		return nil, fmt.Errorf("%w: maximum %d files per upload", ErrValidation, c.maxFiles)
	}

	var pdfFiles, imageFiles []FileSpec
	for _, f := range req.Files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		switch {
		case pdfExtensions[ext]:
			pdfFiles = append(pdfFiles, f)
		case imageExtensions[ext]:
			imageFiles = append(imageFiles, f)
		default:
			return nil, fmt.Errorf("%w: unsupported file type %q", ErrValidation, f.Filename)
		}
	}
	if len(pdfFiles) > 0 && len(imageFiles) > 0 {
		return nil, fmt.Errorf("%w: cannot mix PDF and image files in one upload", ErrValidation)
	}
	if len(pdfFiles) > 1 {
		return nil, fmt.Errorf("%w: only one PDF per upload", ErrValidation)
	}

	aircraft, err := c.store.UpsertAircraft(ctx, registration)
	if err != nil {
		return nil, err
	}

	if len(pdfFiles) == 1 {
		return c.createCompositeBatch(ctx, aircraft.ID, req.LogbookType, pdfFiles[0])
	}
	return c.createPageSetBatch(ctx, aircraft.ID, req.LogbookType, imageFiles)
}

// createCompositeBatch sets up a one-document batch. The page count stays
// unknown until the splitter renders the document.
func (c *Coordinator) createCompositeBatch(ctx context.Context, aircraftID, logbookType string, file FileSpec) (*CreateBatchResult, error) {
	filename := file.Filename
	if filename == "" {
		filename = "logbook.pdf"
	}

	batch := models.Batch{
		AircraftID:     aircraftID,
		Mode:           models.BatchModeComposite,
		SourceFilename: filename,
		LogbookType:    logbookType,
		Status:         models.BatchStatusPending,
	}
	if err := c.store.CreateBatch(ctx, &batch); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s/%s", UploadPrefix, batch.ID, filename)
	url, err := c.blobs.PresignPut(ctx, key, "application/pdf", c.grantTTL)
	if err != nil {
		return nil, fmt.Errorf("grant upload: %w", err)
	}

	log.Printf("📄 Batch %s created (composite document %s)", batch.ID, filename)
	return &CreateBatchResult{
		BatchID: batch.ID,
		Mode:    models.BatchModeComposite,
		Grants:  []UploadGrant{{Filename: filename, Key: key, URL: url}},
	}, nil
}

// createPageSetBatch sets up a batch whose pages are known up front: one page
// row and one write grant per image.
func (c *Coordinator) createPageSetBatch(ctx context.Context, aircraftID, logbookType string, files []FileSpec) (*CreateBatchResult, error) {
	sourceName := files[0].Filename
	if len(files) > 1 {
		sourceName = fmt.Sprintf("%d images", len(files))
	}

	batch := models.Batch{
		AircraftID:     aircraftID,
		Mode:           models.BatchModePageSet,
		SourceFilename: sourceName,
		LogbookType:    logbookType,
		PageCount:      len(files),
		Status:         models.BatchStatusPending,
	}
	if err := c.store.CreateBatch(ctx, &batch); err != nil {
		return nil, err
	}

	grants := make([]UploadGrant, 0, len(files))
	for i, f := range files {
		pageNumber := i + 1
		ext := strings.ToLower(filepath.Ext(f.Filename))
		contentType := contentTypeMap[ext]
		if contentType == "" {
			contentType = "image/jpeg"
		}
		key := fmt.Sprintf("%s/%s/page_%04d%s", PagePrefix, batch.ID, pageNumber, ext)

		page := models.Page{
			BatchID:    batch.ID,
			PageNumber: pageNumber,
			ImageKey:   key,
			Status:     models.PageStatusPending,
		}
		if err := c.store.CreatePage(ctx, &page); err != nil {
			return nil, err
		}

		url, err := c.blobs.PresignPut(ctx, key, contentType, c.grantTTL)
		if err != nil {
			return nil, fmt.Errorf("grant upload for page %d: %w", pageNumber, err)
		}
		grants = append(grants, UploadGrant{
			Filename:   f.Filename,
			PageNumber: pageNumber,
			Key:        key,
			URL:        url,
		})
	}

	log.Printf("🖼️  Batch %s created (%d page images)", batch.ID, len(files))
	return &CreateBatchResult{
		BatchID:   batch.ID,
		Mode:      models.BatchModePageSet,
		PageCount: len(files),
		Grants:    grants,
	}, nil
}

// StatusReport is the collaborator-facing view of a batch, computed on demand
// from page rows.
type StatusReport struct {
	BatchID           string             `json:"batchId"`
	Status            models.BatchStatus `json:"status"`
	Mode              models.BatchMode   `json:"mode"`
	Filename          string             `json:"filename"`
	TotalPages        int64              `json:"totalPages"`
	CompletedPages    int64              `json:"completedPages"`
	FailedPages       int64              `json:"failedPages"`
	NeedsReviewPages  int64              `json:"needsReviewPages"`
	FailedPageNumbers []int              `json:"failedPageNumbers,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// GetStatus aggregates the batch's page rows into a status report.
func (c *Coordinator) GetStatus(ctx context.Context, batchID string) (*StatusReport, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	counts, err := c.store.CountPages(ctx, batchID)
	if err != nil {
		return nil, err
	}

	total := int64(batch.PageCount)
	if total == 0 {
		// Composite batches do not know their page count until split
		total = counts.Total
	}

	return &StatusReport{
		BatchID:           batch.ID,
		Status:            batch.Status,
		Mode:              batch.Mode,
		Filename:          batch.SourceFilename,
		TotalPages:        total,
		CompletedPages:    counts.Completed,
		FailedPages:       counts.Failed,
		NeedsReviewPages:  counts.NeedsReview,
		FailedPageNumbers: counts.FailedPageNumbers,
		CreatedAt:         batch.CreatedAt,
	}, nil
}
