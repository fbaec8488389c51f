package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntryType classifies a maintenance entry
type EntryType string

const (
	EntryTypeMaintenance  EntryType = "maintenance"
	EntryTypeInspection   EntryType = "inspection"
	EntryTypeADCompliance EntryType = "ad_compliance"
	EntryTypeOther        EntryType = "other"
)

// MaintenanceEntry is one discrete maintenance event extracted from a page.
// Entries are written once by the extraction worker; only explicit human
// review (outside this service) updates them afterwards.
type MaintenanceEntry struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	AircraftID string    `gorm:"type:uuid;not null;index" json:"aircraft_id"`
	PageID     string    `gorm:"type:uuid;not null;index" json:"page_id"`
	EntryType  EntryType `gorm:"not null;index" json:"entry_type"`
	EntryDate  time.Time `gorm:"type:date;not null;index" json:"entry_date"`

	// Time readings at completion
	HobbsTime         *float64 `json:"hobbs_time,omitempty"`
	TachTime          *float64 `json:"tach_time,omitempty"`
	FlightTime        *float64 `json:"flight_time,omitempty"`
	TimeSinceOverhaul *float64 `json:"time_since_overhaul,omitempty"`

	// Shop / mechanic metadata
	ShopName            string `json:"shop_name"`
	ShopAddress         string `json:"shop_address"`
	ShopPhone           string `json:"shop_phone"`
	RepairStationNumber string `json:"repair_station_number"`
	MechanicName        string `json:"mechanic_name"`
	MechanicCertificate string `json:"mechanic_certificate"`
	WorkOrderNumber     string `json:"work_order_number"`

	Narrative       string         `gorm:"type:text" json:"narrative"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	NeedsReview     bool           `gorm:"default:false;index" json:"needs_review"`
	MissingData     datatypes.JSON `json:"missing_data"`
	ExtractionNotes string         `gorm:"type:text" json:"extraction_notes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PartsActions []PartsAction     `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE" json:"parts_actions,omitempty"`
	ADCompliance []ADCompliance    `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE" json:"ad_compliance,omitempty"`
	Inspection   *InspectionRecord `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE" json:"inspection,omitempty"`
}

func (MaintenanceEntry) TableName() string { return "maintenance_entries" }

func (e *MaintenanceEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// PartsAction is one part installed/removed/replaced within an entry
type PartsAction struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"id"`
	EntryID         string    `gorm:"type:uuid;not null;index" json:"entry_id"`
	ActionType      string    `gorm:"not null" json:"action_type"` // installed | removed | replaced | repaired | inspected | overhauled
	PartName        string    `json:"part_name"`
	PartNumber      string    `gorm:"index" json:"part_number"`
	SerialNumber    string    `json:"serial_number"`
	OldPartNumber   string    `json:"old_part_number"`
	OldSerialNumber string    `json:"old_serial_number"`
	Quantity        int       `gorm:"default:1" json:"quantity"`
	Notes           string    `gorm:"type:text" json:"notes"`
	CreatedAt       time.Time `json:"created_at"`
}

func (PartsAction) TableName() string { return "parts_actions" }

func (p *PartsAction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ADCompliance is one airworthiness-directive compliance note within an entry
type ADCompliance struct {
	ID               string    `gorm:"type:uuid;primaryKey" json:"id"`
	EntryID          string    `gorm:"type:uuid;not null;index" json:"entry_id"`
	AircraftID       string    `gorm:"type:uuid;not null;index" json:"aircraft_id"`
	ADNumber         string    `gorm:"not null;index" json:"ad_number"`
	ComplianceDate   time.Time `gorm:"type:date" json:"compliance_date"`
	ComplianceMethod string    `json:"compliance_method"` // inspection | replacement | modification | terminating_action | recurring | not_applicable | other
	Notes            string    `gorm:"type:text" json:"notes"`
	CreatedAt        time.Time `json:"created_at"`
}

func (ADCompliance) TableName() string { return "ad_compliance" }

func (a *ADCompliance) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// InspectionRecord is the inspection signoff attached to an inspection entry
type InspectionRecord struct {
	ID                   string    `gorm:"type:uuid;primaryKey" json:"id"`
	EntryID              string    `gorm:"type:uuid;not null;index" json:"entry_id"`
	AircraftID           string    `gorm:"type:uuid;not null;index" json:"aircraft_id"`
	InspectionType       string    `gorm:"not null;index" json:"inspection_type"` // annual | 100hr | 50hr | progressive | altimeter_static | transponder | elt | other
	InspectionDate       time.Time `gorm:"type:date" json:"inspection_date"`
	AircraftHours        *float64  `json:"aircraft_hours,omitempty"`
	FARReference         string    `json:"far_reference"`
	InspectorName        string    `json:"inspector_name"`
	InspectorCertificate string    `json:"inspector_certificate"`
	CreatedAt            time.Time `json:"created_at"`
}

func (InspectionRecord) TableName() string { return "inspection_records" }

func (r *InspectionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// EmbeddingDim is the output dimensionality of the embedding model. Narrative
// vectors and question vectors must both use it.
const EmbeddingDim = 768

// NarrativeEmbedding is the dense vector indexed for semantic search, one per
// (entry, chunk type). Regeneration replaces the prior vector.
type NarrativeEmbedding struct {
	ID        string          `gorm:"type:uuid;primaryKey" json:"id"`
	EntryID   string          `gorm:"type:uuid;not null;uniqueIndex:idx_entry_chunk" json:"entry_id"`
	ChunkType string          `gorm:"not null;default:narrative;uniqueIndex:idx_entry_chunk" json:"chunk_type"`
	ChunkText string          `gorm:"type:text" json:"chunk_text"`
	Embedding pgvector.Vector `gorm:"type:vector(768)" json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (NarrativeEmbedding) TableName() string { return "narrative_embeddings" }

func (n *NarrativeEmbedding) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}
