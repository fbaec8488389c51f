package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BatchMode defines how a batch's pages come into existence
type BatchMode string

const (
	// BatchModeComposite is one PDF that the splitter renders into pages
	BatchModeComposite BatchMode = "composite_document"
	// BatchModePageSet is N page images enumerated at creation time
	BatchModePageSet BatchMode = "page_set"
)

// BatchStatus defines the batch-level processing state machine
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"    // Created, nothing deposited yet
	BatchStatusProcessing BatchStatus = "processing" // First blob arrived, pages in flight
	BatchStatusCompleted  BatchStatus = "completed"  // All pages terminal, none failed
	BatchStatusFailed     BatchStatus = "failed"     // All pages terminal, at least one failed
)

// PageStatus defines the per-page extraction state machine
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
	PageStatusSkipped    PageStatus = "skipped"
)

// Terminal reports whether no further automated transition occurs from s.
func (s PageStatus) Terminal() bool {
	return s == PageStatusCompleted || s == PageStatusFailed || s == PageStatusSkipped
}

// Batch represents one logical logbook upload. Rows are append-only: status is
// the only mutable field past creation, and only the splitter
// (pending→processing) and the completion check (processing→terminal) write it.
type Batch struct {
	ID             string      `gorm:"type:uuid;primaryKey" json:"id"`
	AircraftID     string      `gorm:"type:uuid;not null;index" json:"aircraft_id"`
	Aircraft       *Aircraft   `gorm:"foreignKey:AircraftID" json:"aircraft,omitempty"`
	Mode           BatchMode   `gorm:"not null" json:"mode"`
	SourceFilename string      `json:"source_filename"`
	LogbookType    string      `json:"logbook_type"` // airframe | engine | propeller
	PageCount      int         `gorm:"default:0" json:"page_count"` // 0 until splitting resolves it for composite uploads
	Status         BatchStatus `gorm:"default:pending;index" json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	Pages []Page `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Batch) TableName() string { return "upload_batches" }

func (b *Batch) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Page is one page image of a batch, the unit of extraction work.
// Page numbers are 1-based and unique within a batch.
type Page struct {
	ID            string         `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID       string         `gorm:"type:uuid;not null;uniqueIndex:idx_batch_page_number" json:"batch_id"`
	PageNumber    int            `gorm:"not null;uniqueIndex:idx_batch_page_number" json:"page_number"`
	ImageKey      string         `gorm:"not null" json:"image_key"`
	Status        PageStatus     `gorm:"default:pending;index" json:"status"`
	NeedsReview   bool           `gorm:"default:false" json:"needs_review"`
	PageType      string         `json:"page_type"`
	RawExtraction datatypes.JSON `json:"raw_extraction"`

	ExtractionModel string     `json:"extraction_model"`
	ExtractedAt     *time.Time `json:"extracted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Page) TableName() string { return "upload_pages" }

func (p *Page) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
