package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Aircraft is one airframe, keyed by its registration (tail number).
// Rows are upserted on batch creation and enriched later by collaborators.
type Aircraft struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Registration string    `gorm:"uniqueIndex;not null" json:"registration"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	SerialNumber string    `json:"serial_number"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a *Aircraft) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
