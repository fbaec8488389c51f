package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/avrec/logbookgo/internal/blobstore"
	"github.com/avrec/logbookgo/internal/models"
	"github.com/avrec/logbookgo/internal/queue"
	"github.com/avrec/logbookgo/internal/store"
)

// renderDPI is the fixed resolution pages are rendered at.
const renderDPI = "200"

// Splitter turns a deposited document into extraction tasks. Composite
// documents are rendered into page images; pre-declared pages are matched to
// their existing rows. All of its logic is idempotent against duplicate
// deposit notifications.
type Splitter struct {
	store       Store
	blobs       blobstore.ObjectStore
	tasks       queue.TaskQueue
	concurrency int

	// binary path overrides, for testing and bundled deployments
	mutoolPath      string
	heifConvertPath string
}

// NewSplitter wires a splitter
func NewSplitter(st Store, blobs blobstore.ObjectStore, tasks queue.TaskQueue, concurrency int, mutoolPath, heifConvertPath string) *Splitter {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Splitter{
		store:           st,
		blobs:           blobs,
		tasks:           tasks,
		concurrency:     concurrency,
		mutoolPath:      mutoolPath,
		heifConvertPath: heifConvertPath,
	}
}

// depositEvent is the object store's write notification envelope.
type depositEvent struct {
	Records []struct {
		S3 struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// HandleMessage parses a deposit notification from the queue and processes
// every referenced key.
func (s *Splitter) HandleMessage(ctx context.Context, body string) error {
	var event depositEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return fmt.Errorf("parse deposit notification: %w", err)
	}

	for _, record := range event.Records {
		key, _ := url.QueryUnescape(record.S3.Object.Key)
		if err := s.HandleDeposit(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// HandleDeposit routes one deposited blob by its storage prefix.
func (s *Splitter) HandleDeposit(ctx context.Context, key string) error {
	log.Printf("📥 Deposit: %s", key)

	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		log.Printf("⚠️  Ignoring key %s: unexpected format", key)
		return nil
	}

	switch parts[0] {
	case PagePrefix:
		return s.handlePageArrival(ctx, parts[1], key)
	case UploadPrefix:
		return s.handleDocumentDeposit(ctx, parts[1], key)
	default:
		log.Printf("⚠️  Ignoring key %s: not under %s/ or %s/", key, UploadPrefix, PagePrefix)
		return nil
	}
}

// handlePageArrival processes one pre-declared page blob. The page row
// already exists; arrival only enqueues its extraction task. Receiving the
// same notification twice never creates rows, so the only duplication left is
// the queue's own at-least-once delivery.
func (s *Splitter) handlePageArrival(ctx context.Context, batchID, key string) error {
	pageNumber, ok := parsePageNumber(key)
	if !ok {
		log.Printf("⚠️  Could not parse page number from %s", key)
		return nil
	}

	page, err := s.store.GetPageByNumber(ctx, batchID, pageNumber)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("⚠️  No page record for batch %s page %d, skipping", batchID, pageNumber)
		return nil
	}
	if err != nil {
		return err
	}

	// First arrival wins the pending→processing claim; later arrivals of
	// sibling pages see the guard fail and that is fine.
	claimed, err := s.store.TransitionBatch(ctx, batchID, models.BatchStatusPending, models.BatchStatusProcessing)
	if err != nil {
		return err
	}
	if claimed {
		log.Printf("▶️  Batch %s started processing", batchID)
	}

	task := Task{BatchID: batchID, PageID: page.ID, PageNumber: pageNumber, ImageKey: key}
	if err := s.tasks.Send(ctx, task.Encode()); err != nil {
		return fmt.Errorf("queue page %d: %w", pageNumber, err)
	}
	return nil
}

// handleDocumentDeposit renders a composite document into page images,
// creates their rows, and enqueues one extraction task per page.
func (s *Splitter) handleDocumentDeposit(ctx context.Context, batchID, key string) error {
	claimed, err := s.store.TransitionBatch(ctx, batchID, models.BatchStatusPending, models.BatchStatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		batch, err := s.store.GetBatch(ctx, batchID)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("⚠️  Deposit for unknown batch %s, skipping", batchID)
			return nil
		}
		if err != nil {
			return err
		}
		// Duplicate notification: another splitter run owns this batch
		log.Printf("⚠️  Batch %s already %s, skipping duplicate deposit", batchID, batch.Status)
		return nil
	}

	pageKeys, err := s.splitDocument(ctx, batchID, key)
	if err != nil {
		var corrupt *corruptDocumentError
		if errors.As(err, &corrupt) {
			// Terminal: an unreadable document is not retried
			log.Printf("❌ Batch %s: %v", batchID, err)
			return s.store.SetBatchStatus(ctx, batchID, models.BatchStatusFailed)
		}
		s.releaseClaim(ctx, batchID)
		return err
	}

	if err := s.fanOutPages(ctx, batchID, pageKeys); err != nil {
		s.releaseClaim(ctx, batchID)
		return err
	}

	log.Printf("✂️  Batch %s: queued %d pages for extraction", batchID, len(pageKeys))
	return nil
}

// releaseClaim reverts a transient post-claim failure so redelivery can
// retry; without it the message is consumed and the batch stalls in
// processing with no task ever enqueued.
func (s *Splitter) releaseClaim(ctx context.Context, batchID string) {
	if _, err := s.store.TransitionBatch(ctx, batchID, models.BatchStatusProcessing, models.BatchStatusPending); err != nil {
		log.Printf("⚠️  Could not release claim on batch %s: %v", batchID, err)
	}
}

// fanOutPages records the rendered page set and enqueues one extraction task
// per page. Page rows may already exist from an earlier delivery that failed
// partway through; those are reused so a retried fan-out stays idempotent.
func (s *Splitter) fanOutPages(ctx context.Context, batchID string, pageKeys []string) error {
	if err := s.store.SetBatchPageCount(ctx, batchID, len(pageKeys)); err != nil {
		return err
	}

	for i, pageKey := range pageKeys {
		pageNumber := i + 1

		page, err := s.store.GetPageByNumber(ctx, batchID, pageNumber)
		if errors.Is(err, store.ErrNotFound) {
			page = &models.Page{
				BatchID:    batchID,
				PageNumber: pageNumber,
				ImageKey:   pageKey,
				Status:     models.PageStatusPending,
			}
			if err := s.store.CreatePage(ctx, page); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		task := Task{BatchID: batchID, PageID: page.ID, PageNumber: pageNumber, ImageKey: pageKey}
		if err := s.tasks.Send(ctx, task.Encode()); err != nil {
			return fmt.Errorf("queue page %d: %w", pageNumber, err)
		}
	}
	return nil
}

// corruptDocumentError marks a document that can never be split: the batch
// fails terminally instead of being retried.
type corruptDocumentError struct {
	reason string
	cause  error
}

func (e *corruptDocumentError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("corrupt document: %s: %v", e.reason, e.cause)
	}
	return "corrupt document: " + e.reason
}

func (e *corruptDocumentError) Unwrap() error { return e.cause }

// splitDocument downloads the deposited blob and turns it into ordered page
// images under the pages/ prefix.
func (s *Splitter) splitDocument(ctx context.Context, batchID, key string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(key))
	if !pdfExtensions[ext] && !imageExtensions[ext] {
		return nil, &corruptDocumentError{reason: fmt.Sprintf("unsupported file type %s", ext)}
	}

	tmpdir, err := os.MkdirTemp("", "logbook-split-*")
	if err != nil {
		return nil, fmt.Errorf("create tmpdir: %w", err)
	}
	defer os.RemoveAll(tmpdir)

	reader, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download document: %w", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	localFile := filepath.Join(tmpdir, filepath.Base(key))
	if err := os.WriteFile(localFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	if pdfExtensions[ext] {
		return s.renderPDF(ctx, batchID, localFile, tmpdir)
	}
	return s.uploadSingleImage(ctx, batchID, localFile, ext)
}

// renderPDF rasterizes every page of the document at a fixed resolution and
// uploads the images concurrently.
func (s *Splitter) renderPDF(ctx context.Context, batchID, pdfPath, tmpdir string) ([]string, error) {
	outputPattern := filepath.Join(tmpdir, "render-%04d.jpg")
	cmd := exec.CommandContext(ctx, s.getMutoolPath(), "draw",
		"-o", outputPattern, "-r", renderDPI, "-F", "jpeg", pdfPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, &corruptDocumentError{reason: "mutool draw failed", cause: err}
	}

	matches, err := filepath.Glob(filepath.Join(tmpdir, "render-*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("glob rendered pages: %w", err)
	}
	if len(matches) == 0 {
		return nil, &corruptDocumentError{reason: "document produced no pages"}
	}

	return s.uploadPages(ctx, batchID, matches)
}

// uploadPages writes rendered page images to the object store through a
// bounded worker pool. Keys are assigned by page order before upload starts.
func (s *Splitter) uploadPages(ctx context.Context, batchID string, files []string) ([]string, error) {
	pool, err := ants.NewPool(s.concurrency)
	if err != nil {
		return nil, fmt.Errorf("create upload pool: %w", err)
	}
	defer pool.Release()

	keys := make([]string, len(files))
	uploadErrs := make([]error, len(files))
	var wg sync.WaitGroup

	for i, path := range files {
		i, path := i, path
		keys[i] = fmt.Sprintf("%s/%s/page_%04d.jpg", PagePrefix, batchID, i+1)

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			data, err := os.ReadFile(path)
			if err != nil {
				uploadErrs[i] = fmt.Errorf("read page %d: %w", i+1, err)
				return
			}
			uploadErrs[i] = s.blobs.Put(ctx, keys[i], "image/jpeg", bytes.NewReader(data))
		}); err != nil {
			wg.Done()
			uploadErrs[i] = err
		}
	}
	wg.Wait()

	for _, err := range uploadErrs {
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// uploadSingleImage treats a lone image deposit as a one-page document.
func (s *Splitter) uploadSingleImage(ctx context.Context, batchID, localFile, ext string) ([]string, error) {
	normalized, contentType, cleanup, err := normalizeImage(localFile, ext, s.getHeifConvertPath())
	if err != nil {
		return nil, &corruptDocumentError{reason: "normalize image", cause: err}
	}
	if cleanup != nil {
		defer cleanup()
	}

	data, err := os.ReadFile(normalized)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	key := fmt.Sprintf("%s/%s/page_0001%s", PagePrefix, batchID, filepath.Ext(normalized))
	if err := s.blobs.Put(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return []string{key}, nil
}

// parsePageNumber extracts the 1-based number from a key like
// pages/{batchID}/page_0003.jpg.
func parsePageNumber(key string) (int, bool) {
	filename := filepath.Base(key)
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) < 2 {
		return 0, false
	}
	numStr := strings.TrimSuffix(parts[1], filepath.Ext(parts[1]))
	n, err := strconv.Atoi(numStr)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (s *Splitter) getMutoolPath() string {
	if s.mutoolPath != "" {
		return s.mutoolPath
	}
	return "mutool"
}

func (s *Splitter) getHeifConvertPath() string {
	if s.heifConvertPath != "" {
		return s.heifConvertPath
	}
	return "heif-convert"
}
