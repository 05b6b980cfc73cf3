package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Document is one unit of work flowing through the stage pipeline. It
// belongs to exactly one batch.
type Document struct {
	ID                   string         `json:"id"`
	BatchID              string         `json:"batch_id"`
	FileName             string         `json:"file_name"`
	FileSize             int64          `json:"file_size"`
	MimeType             string         `json:"mime_type,omitempty"`
	PageCount            int            `json:"page_count,omitempty"`
	SpoolPath            string         `json:"-"`
	Status               DocumentStatus `json:"status"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	ProcessingStartedAt  *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingEndedAt    *time.Time     `json:"processing_ended_at,omitempty"`
	ProcessingDurationMs int64          `json:"processing_duration_ms,omitempty"`
}

// NewDocument creates a pending document owned by batchID.
func NewDocument(batchID, fileName string, fileSize int64) *Document {
	return &Document{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		FileName:  fileName,
		FileSize:  fileSize,
		Status:    DocumentStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// StageRecord is the status and timing record for one (document, stage)
// pair. Exactly one record exists per pair once the document is
// initialized. DurationMs is only set when the record reaches a terminal
// status and a StartedAt was recorded; CompletedAt implies a terminal
// status.
type StageRecord struct {
	DocumentID  string          `json:"document_id"`
	Stage       Stage           `json:"stage"`
	Status      StageStatus     `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}
