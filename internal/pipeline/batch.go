package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Batch is a named collection of documents processed under one lifecycle.
// The item counters only ever grow; ProcessedItems + FailedItems +
// SkippedItems never exceeds TotalItems.
type Batch struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	City            string      `json:"city,omitempty"`
	Status          BatchStatus `json:"status"`
	TotalItems      int         `json:"total_items"`
	ProcessedItems  int         `json:"processed_items"`
	FailedItems     int         `json:"failed_items"`
	SkippedItems    int         `json:"skipped_items"`
	SkipStages      []Stage     `json:"skip_stages,omitempty"`
	FailOnItemError bool        `json:"fail_on_item_error,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	PausedAt        *time.Time  `json:"paused_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// NewBatch creates an empty pending batch.
func NewBatch(name, city string, skipStages []Stage, failOnItemError bool) *Batch {
	return &Batch{
		ID:              uuid.NewString(),
		Name:            name,
		City:            city,
		Status:          BatchStatusPending,
		SkipStages:      skipStages,
		FailOnItemError: failOnItemError,
		CreatedAt:       time.Now().UTC(),
	}
}

// SettledItems returns the number of documents that reached a terminal
// status.
func (b *Batch) SettledItems() int {
	return b.ProcessedItems + b.FailedItems + b.SkippedItems
}

// AllSettled reports whether every document in the batch is terminal.
func (b *Batch) AllSettled() bool {
	return b.TotalItems > 0 && b.SettledItems() == b.TotalItems
}
