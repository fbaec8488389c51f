package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/avrec/logbookgo/internal/models"
	"github.com/avrec/logbookgo/internal/store"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	mu          sync.Mutex
	aircraft    map[string]*models.Aircraft
	batches     map[string]*models.Batch
	pages       map[string]*models.Page
	entries     []*models.MaintenanceEntry
	parts       []*models.PartsAction
	ads         []*models.ADCompliance
	inspections []*models.InspectionRecord
	embeddings  map[string][]float32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		aircraft:   make(map[string]*models.Aircraft),
		batches:    make(map[string]*models.Batch),
		pages:      make(map[string]*models.Page),
		embeddings: make(map[string][]float32),
	}
}

func (f *fakeStore) UpsertAircraft(_ context.Context, registration string) (*models.Aircraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.aircraft {
		if a.Registration == registration {
			copied := *a
			return &copied, nil
		}
	}
	a := &models.Aircraft{ID: uuid.NewString(), Registration: registration}
	f.aircraft[a.ID] = a
	copied := *a
	return &copied, nil
}

func (f *fakeStore) GetAircraft(_ context.Context, id string) (*models.Aircraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.aircraft[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) CreateBatch(_ context.Context, batch *models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	batch.CreatedAt = time.Now()
	copied := *batch
	f.batches[batch.ID] = &copied
	return nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) TransitionBatch(_ context.Context, id string, from, to models.BatchStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	return true, nil
}

func (f *fakeStore) SetBatchStatus(_ context.Context, id string, status models.BatchStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	return nil
}

func (f *fakeStore) SetBatchPageCount(_ context.Context, id string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.PageCount = count
	return nil
}

func (f *fakeStore) CreatePage(_ context.Context, page *models.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	for _, p := range f.pages {
		if p.BatchID == page.BatchID && p.PageNumber == page.PageNumber {
			return fmt.Errorf("duplicate page %d for batch %s", page.PageNumber, page.BatchID)
		}
	}
	copied := *page
	f.pages[page.ID] = &copied
	return nil
}

func (f *fakeStore) GetPage(_ context.Context, id string) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) GetPageByNumber(_ context.Context, batchID string, pageNumber int) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.BatchID == batchID && p.PageNumber == pageNumber {
			copied := *p
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SetPageStatus(_ context.Context, id string, status models.PageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	return nil
}

func (f *fakeStore) RecordExtraction(_ context.Context, id string, raw datatypes.JSON, pageType, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	p.RawExtraction = raw
	p.PageType = pageType
	p.ExtractionModel = model
	p.ExtractedAt = &now
	return nil
}

func (f *fakeStore) CompletePage(_ context.Context, id string, needsReview bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = models.PageStatusCompleted
	p.NeedsReview = needsReview
	return nil
}

func (f *fakeStore) CountPages(_ context.Context, batchID string) (*store.PageCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := &store.PageCounts{}
	for _, p := range f.pages {
		if p.BatchID != batchID {
			continue
		}
		counts.Total++
		switch p.Status {
		case models.PageStatusCompleted:
			counts.Completed++
		case models.PageStatusFailed:
			counts.Failed++
			counts.FailedPageNumbers = append(counts.FailedPageNumbers, p.PageNumber)
		case models.PageStatusSkipped:
			counts.Skipped++
		}
		if p.NeedsReview {
			counts.NeedsReview++
		}
	}
	return counts, nil
}

func (f *fakeStore) CreateEntry(_ context.Context, entry *models.MaintenanceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	copied := *entry
	f.entries = append(f.entries, &copied)
	return nil
}

func (f *fakeStore) CreatePartsAction(_ context.Context, action *models.PartsAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *action
	f.parts = append(f.parts, &copied)
	return nil
}

func (f *fakeStore) CreateADCompliance(_ context.Context, record *models.ADCompliance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *record
	f.ads = append(f.ads, &copied)
	return nil
}

func (f *fakeStore) CreateInspectionRecord(_ context.Context, record *models.InspectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *record
	f.inspections = append(f.inspections, &copied)
	return nil
}

func (f *fakeStore) UpsertEmbedding(_ context.Context, entryID, chunkType, _ string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[entryID+"/"+chunkType] = vector
	return nil
}

// batchStatus reads a batch status without the copy dance.
func (f *fakeStore) batchStatus(id string) models.BatchStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[id].Status
}

func (f *fakeStore) pagesForBatch(batchID string) []*models.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Page
	for _, p := range f.pages {
		if p.BatchID == batchID {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out
}

// fakeBlobs is an in-memory ObjectStore.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Put(_ context.Context, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeBlobs) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://blobs.example.test/" + key, nil
}

// fakeQueue records sent task bodies. sendErr, when set, makes Send fail
// without recording.
type fakeQueue struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (f *fakeQueue) Send(_ context.Context, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeQueue) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeAI stubs the model client with function fields.
type fakeAI struct {
	extractFunc  func(ctx context.Context, image []byte, mimeType string) (string, error)
	embedFunc    func(ctx context.Context, text string) ([]float32, error)
	generateFunc func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeAI) ExtractPage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if f.extractFunc == nil {
		return `{"pageType": "blank", "entries": []}`, nil
	}
	return f.extractFunc(ctx, image, mimeType)
}

func (f *fakeAI) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if f.embedFunc == nil {
		return make([]float32, models.EmbeddingDim), nil
	}
	return f.embedFunc(ctx, text)
}

func (f *fakeAI) GenerateAnswer(ctx context.Context, prompt string) (string, error) {
	if f.generateFunc == nil {
		return "ok", nil
	}
	return f.generateFunc(ctx, prompt)
}

func (f *fakeAI) Close() {}
