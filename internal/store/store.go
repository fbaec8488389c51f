// Package store is the single shared mutable resource of the pipeline. All
// cross-worker coordination is expressed as row updates with WHERE-clause
// guards; workers never coordinate in memory.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

// PageCounts is the per-batch rollup used by the status surface and the
// completion check. Computed on demand, never cached.
type PageCounts struct {
	Total             int64
	Completed         int64
	Failed            int64
	Skipped           int64
	NeedsReview       int64
	FailedPageNumbers []int
}

// Terminal returns the number of pages that reached a terminal status.
func (c *PageCounts) Terminal() int64 {
	return c.Completed + c.Failed + c.Skipped
}

// SearchResult is one ranked narrative returned by the vector search.
// Similarity is 1 - cosine distance; higher is more relevant, and callers
// must not assume a range tighter than [-1, 1].
type SearchResult struct {
	EntryID        string    `gorm:"column:entry_id"`
	EntryDate      time.Time `gorm:"column:entry_date"`
	EntryType      string    `gorm:"column:entry_type"`
	InspectionType *string   `gorm:"column:inspection_type"`
	Narrative      string    `gorm:"column:narrative"`
	Similarity     float64   `gorm:"column:similarity"`
}
