package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avrec/logbookgo/internal/models"
)

// GormStore implements the pipeline's persistence on top of gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// ─── Aircraft ───────────────────────────────────────────────────────────────

// UpsertAircraft creates the aircraft by registration if absent, or touches
// its updated_at when it already exists, and returns the row either way.
func (s *GormStore) UpsertAircraft(ctx context.Context, registration string) (*models.Aircraft, error) {
	aircraft := models.Aircraft{Registration: registration}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "registration"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"updated_at": time.Now().UTC()}),
	}).Create(&aircraft).Error
	if err != nil {
		return nil, fmt.Errorf("upsert aircraft: %w", err)
	}
	// The conflict path keeps the generated ID from the insert attempt, so
	// always re-read by the natural key.
	return s.GetAircraftByRegistration(ctx, registration)
}

// GetAircraftByRegistration resolves an aircraft by its natural key.
func (s *GormStore) GetAircraftByRegistration(ctx context.Context, registration string) (*models.Aircraft, error) {
	var aircraft models.Aircraft
	err := s.db.WithContext(ctx).Where("registration = ?", registration).First(&aircraft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aircraft: %w", err)
	}
	return &aircraft, nil
}

// GetAircraft resolves an aircraft by ID.
func (s *GormStore) GetAircraft(ctx context.Context, id string) (*models.Aircraft, error) {
	var aircraft models.Aircraft
	err := s.db.WithContext(ctx).First(&aircraft, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aircraft: %w", err)
	}
	return &aircraft, nil
}

// ─── Batches ────────────────────────────────────────────────────────────────

func (s *GormStore) CreateBatch(ctx context.Context, batch *models.Batch) error {
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *GormStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	err := s.db.WithContext(ctx).First(&batch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &batch, nil
}

// TransitionBatch performs a guarded status transition: the write only takes
// effect when the current status still equals from. Callers must branch on
// the returned bool, never on their own prior read, so two concurrent
// triggers cannot both start the same batch.
func (s *GormStore) TransitionBatch(ctx context.Context, id string, from, to models.BatchStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("transition batch %s→%s: %w", from, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetBatchStatus writes the status unconditionally. Used for terminal marks
// where re-setting the same value is a harmless no-op.
func (s *GormStore) SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error {
	err := s.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("set batch status: %w", err)
	}
	return nil
}

// SetBatchPageCount records the page count once splitting has resolved it.
func (s *GormStore) SetBatchPageCount(ctx context.Context, id string, count int) error {
	err := s.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ?", id).
		Update("page_count", count).Error
	if err != nil {
		return fmt.Errorf("set batch page count: %w", err)
	}
	return nil
}

// ─── Pages ──────────────────────────────────────────────────────────────────

func (s *GormStore) CreatePage(ctx context.Context, page *models.Page) error {
	if err := s.db.WithContext(ctx).Create(page).Error; err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	return nil
}

func (s *GormStore) GetPageByNumber(ctx context.Context, batchID string, pageNumber int) (*models.Page, error) {
	var page models.Page
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND page_number = ?", batchID, pageNumber).
		First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get page by number: %w", err)
	}
	return &page, nil
}

// SetPageStatus writes the page status unconditionally. Redelivered tasks
// simply re-run extraction, so this is deliberately not guarded.
func (s *GormStore) SetPageStatus(ctx context.Context, id string, status models.PageStatus) error {
	err := s.db.WithContext(ctx).Model(&models.Page{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("set page status: %w", err)
	}
	return nil
}

// RecordExtraction persists the raw model output and detected page type.
func (s *GormStore) RecordExtraction(ctx context.Context, id string, raw datatypes.JSON, pageType, model string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.Page{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"raw_extraction":   raw,
			"page_type":        pageType,
			"extraction_model": model,
			"extracted_at":     &now,
		}).Error
	if err != nil {
		return fmt.Errorf("record extraction: %w", err)
	}
	return nil
}

// CompletePage marks a page completed with its review flag.
func (s *GormStore) CompletePage(ctx context.Context, id string, needsReview bool) error {
	err := s.db.WithContext(ctx).Model(&models.Page{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.PageStatusCompleted,
			"needs_review": needsReview,
		}).Error
	if err != nil {
		return fmt.Errorf("complete page: %w", err)
	}
	return nil
}

// CountPages aggregates page statuses for a batch, including the failed page
// numbers when any page failed.
func (s *GormStore) CountPages(ctx context.Context, batchID string) (*PageCounts, error) {
	var counts PageCounts
	err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		       COUNT(*) FILTER (WHERE status = 'skipped') AS skipped,
		       COUNT(*) FILTER (WHERE needs_review) AS needs_review
		FROM upload_pages WHERE batch_id = ?`, batchID).
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}

	if counts.Failed > 0 {
		err := s.db.WithContext(ctx).Model(&models.Page{}).
			Where("batch_id = ? AND status = ?", batchID, models.PageStatusFailed).
			Order("page_number").
			Pluck("page_number", &counts.FailedPageNumbers).Error
		if err != nil {
			return nil, fmt.Errorf("failed page numbers: %w", err)
		}
	}

	return &counts, nil
}

// ─── Entries ────────────────────────────────────────────────────────────────

func (s *GormStore) CreateEntry(ctx context.Context, entry *models.MaintenanceEntry) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(entry).Error; err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func (s *GormStore) CreatePartsAction(ctx context.Context, action *models.PartsAction) error {
	if err := s.db.WithContext(ctx).Create(action).Error; err != nil {
		return fmt.Errorf("create parts action: %w", err)
	}
	return nil
}

func (s *GormStore) CreateADCompliance(ctx context.Context, record *models.ADCompliance) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create ad compliance: %w", err)
	}
	return nil
}

func (s *GormStore) CreateInspectionRecord(ctx context.Context, record *models.InspectionRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create inspection record: %w", err)
	}
	return nil
}

// ─── Embeddings ─────────────────────────────────────────────────────────────

// UpsertEmbedding stores a narrative vector keyed by (entry, chunk type).
// Regenerating replaces the prior vector instead of duplicating it.
func (s *GormStore) UpsertEmbedding(ctx context.Context, entryID, chunkType, chunkText string, vector []float32) error {
	embedding := models.NarrativeEmbedding{
		EntryID:   entryID,
		ChunkType: chunkType,
		ChunkText: chunkText,
		Embedding: pgvector.NewVector(vector),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_id"}, {Name: "chunk_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "chunk_text", "updated_at"}),
	}).Create(&embedding).Error
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// SearchNarratives ranks narrative embeddings for one aircraft by cosine
// distance to the query vector and returns the top limit matches.
func (s *GormStore) SearchNarratives(ctx context.Context, aircraftID string, vector []float32, limit int) ([]SearchResult, error) {
	query, args, err := buildNarrativeSearch(aircraftID, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}

	var results []SearchResult
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("search narratives: %w", err)
	}
	return results, nil
}

// buildNarrativeSearch assembles the scoped similarity query. <=> is pgvector
// cosine distance, so ordering ascending yields most-similar first.
func buildNarrativeSearch(aircraftID string, vector pgvector.Vector, limit int) (string, []interface{}, error) {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("m.id AS entry_id", "m.entry_date", "m.entry_type", "m.narrative", "ir.inspection_type").
		Column(sq.Expr("1 - (ne.embedding <=> ?) AS similarity", vector)).
		From("narrative_embeddings ne").
		Join("maintenance_entries m ON m.id = ne.entry_id").
		LeftJoin("inspection_records ir ON ir.entry_id = m.id").
		Where(sq.Eq{"m.aircraft_id": aircraftID}).
		OrderByClause("ne.embedding <=> ?", vector).
		Limit(uint64(limit)).
		ToSql()
}
