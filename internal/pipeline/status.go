package pipeline

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusPaused     BatchStatus = "paused"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch permits no further status changes.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// DocumentStatus is the document-level summary of pipeline position.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusDetecting  DocumentStatus = "detecting"
	DocumentStatusDetected   DocumentStatus = "detected"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusSkipped    DocumentStatus = "skipped"
)

// IsTerminal reports whether the document is settled and counts toward its
// batch's processed, failed, or skipped totals.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentStatusCompleted, DocumentStatusFailed, DocumentStatusSkipped:
		return true
	}
	return false
}

// StageStatus represents the state of one stage record.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// IsTerminal reports whether the record can no longer change status.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// ParseStageStatus validates a stage status received from an external caller.
func ParseStageStatus(s string) (StageStatus, error) {
	switch status := StageStatus(s); status {
	case StageStatusPending, StageStatusInProgress, StageStatusCompleted,
		StageStatusFailed, StageStatusSkipped:
		return status, nil
	}
	return "", &ValidationError{Field: "status", Reason: "unknown stage status " + s}
}
