// Package tracker records per-document stage transitions. It is the sole
// write path for stage records: external executors and the pipeline runner
// report every transition through Update, and document status, timestamps,
// and batch counters are derived here inside the same transaction.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
)

// Completer is notified when a document settles so batch-level completion
// can be evaluated. Implemented by the batch controller.
type Completer interface {
	CompleteIfDone(ctx context.Context, batchID string) (*pipeline.Batch, error)
}

// Config holds dependencies for the tracker.
type Config struct {
	Store     store.Store
	Completer Completer // optional
	Logger    *slog.Logger
}

// StageTracker initializes stage sets for new documents and applies stage
// status transitions.
type StageTracker struct {
	store     store.Store
	completer Completer
	logger    *slog.Logger
}

// New creates a StageTracker.
func New(cfg Config) *StageTracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StageTracker{
		store:     cfg.Store,
		completer: cfg.Completer,
		logger:    logger,
	}
}

// Result reports what one stage update did.
type Result struct {
	Record   *pipeline.StageRecord
	Document *pipeline.Document
	// Settled is true when this update moved the document into a terminal
	// status and the batch counters were bumped.
	Settled bool
}

// Initialize creates one stage record per pipeline stage for the document,
// inside the caller's transaction. The first stage is completed on the
// spot, receipt being implied by initialization, and stages named in
// skipStages are created already skipped.
func (t *StageTracker) Initialize(ctx context.Context, tx store.Tx, documentID string, skipStages []pipeline.Stage) error {
	skip := make(map[pipeline.Stage]bool, len(skipStages))
	for _, s := range skipStages {
		skip[s] = true
	}

	now := time.Now().UTC()
	for _, stage := range pipeline.Stages() {
		rec := &pipeline.StageRecord{
			DocumentID: documentID,
			Stage:      stage,
			Status:     pipeline.StageStatusPending,
		}
		switch {
		case stage == pipeline.FirstStage():
			rec.Status = pipeline.StageStatusCompleted
			rec.CompletedAt = &now
		case skip[stage]:
			rec.Status = pipeline.StageStatusSkipped
			rec.CompletedAt = &now
		}
		if err := tx.PutStageRecord(ctx, rec); err != nil {
			return fmt.Errorf("initialize stage %s: %w", stage, err)
		}
	}
	return nil
}

// Update upserts the stage record for (documentID, stage) and applies the
// derived document and batch changes in one transaction. Unknown documents
// are a NotFound error for the calling executor; retry policy belongs to
// the executor, not here.
func (t *StageTracker) Update(ctx context.Context, documentID string, stage pipeline.Stage, status pipeline.StageStatus, result json.RawMessage, stageErr string) (*Result, error) {
	if !stage.Valid() {
		return nil, &pipeline.ValidationError{Field: "stage", Reason: "unknown stage " + string(stage)}
	}

	var res *Result
	err := t.store.Transact(ctx, func(tx store.Tx) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		res, err = t.Apply(ctx, tx, doc, stage, status, result, stageErr)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.logger.Debug("stage updated",
		"document_id", documentID,
		"stage", stage,
		"status", status,
		"document_status", res.Document.Status,
	)

	if res.Settled && t.completer != nil {
		if _, err := t.completer.CompleteIfDone(ctx, res.Document.BatchID); err != nil {
			// The stage update committed; batch completion is retried by
			// later updates and by the status channel's done check.
			t.logger.Error("batch completion check failed",
				"batch_id", res.Document.BatchID, "error", err)
		}
	}
	return res, nil
}

// Apply performs one stage transition inside an existing transaction. The
// caller owns the locked document. Used by Update and by ingest, which
// records upload and detection inline while attaching a document.
func (t *StageTracker) Apply(ctx context.Context, tx store.Tx, doc *pipeline.Document, stage pipeline.Stage, status pipeline.StageStatus, result json.RawMessage, stageErr string) (*Result, error) {
	now := time.Now().UTC()

	rec, err := tx.GetStageRecord(ctx, doc.ID, stage)
	if errors.Is(err, pipeline.ErrNotFound) {
		rec = &pipeline.StageRecord{DocumentID: doc.ID, Stage: stage, Status: pipeline.StageStatusPending}
	} else if err != nil {
		return nil, err
	}

	applyTransition(rec, status, result, stageErr, now)
	if err := tx.PutStageRecord(ctx, rec); err != nil {
		return nil, err
	}

	res := &Result{Record: rec, Document: doc}

	// A settled document no longer changes; late executor reports only
	// touch the record.
	if doc.Status.IsTerminal() {
		return res, nil
	}

	if status == pipeline.StageStatusInProgress && doc.ProcessingStartedAt == nil {
		doc.ProcessingStartedAt = &now
	}

	records, err := tx.ListStageRecords(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	if completion := completionCascade(records); completion != nil {
		completion.Status = pipeline.StageStatusCompleted
		completion.CompletedAt = &now
		if err := tx.PutStageRecord(ctx, completion); err != nil {
			return nil, err
		}
	}

	derived := deriveDocumentStatus(records, doc.Status)
	if derived != doc.Status {
		doc.Status = derived
		if derived == pipeline.DocumentStatusFailed {
			doc.ErrorMessage = firstFailure(records)
		}
	}

	if doc.Status.IsTerminal() {
		doc.ProcessingEndedAt = &now
		if doc.ProcessingStartedAt != nil {
			doc.ProcessingDurationMs = now.Sub(*doc.ProcessingStartedAt).Milliseconds()
		}
		if err := t.settleBatchCounters(ctx, tx, doc); err != nil {
			return nil, err
		}
		res.Settled = true
	}

	if err := tx.PutDocument(ctx, doc); err != nil {
		return nil, err
	}
	return res, nil
}

// settleBatchCounters bumps the batch counter matching the document's
// terminal status. Counters only ever grow.
func (t *StageTracker) settleBatchCounters(ctx context.Context, tx store.Tx, doc *pipeline.Document) error {
	batch, err := tx.GetBatchForUpdate(ctx, doc.BatchID)
	if err != nil {
		return err
	}
	switch doc.Status {
	case pipeline.DocumentStatusCompleted:
		batch.ProcessedItems++
	case pipeline.DocumentStatusFailed:
		batch.FailedItems++
	case pipeline.DocumentStatusSkipped:
		batch.SkippedItems++
	}
	return tx.PutBatch(ctx, batch)
}

// applyTransition mutates rec for the requested status. Transitioning into
// a non-terminal status reopens the record: a retried stage clears its
// completion timestamp and duration.
func applyTransition(rec *pipeline.StageRecord, status pipeline.StageStatus, result json.RawMessage, stageErr string, now time.Time) {
	rec.Status = status

	if status == pipeline.StageStatusInProgress && rec.StartedAt == nil {
		rec.StartedAt = &now
	}

	if status.IsTerminal() {
		rec.CompletedAt = &now
		rec.DurationMs = 0
		if rec.StartedAt != nil {
			if d := now.Sub(*rec.StartedAt).Milliseconds(); d > 0 {
				rec.DurationMs = d
			}
		}
	} else {
		rec.CompletedAt = nil
		rec.DurationMs = 0
	}

	if result != nil {
		rec.Result = result
	}
	if stageErr != "" {
		rec.Error = stageErr
	} else if status == pipeline.StageStatusCompleted {
		rec.Error = ""
	}
}

// completionCascade returns the completion record if every other stage is
// terminal without failure and completion itself is still open. The
// tracker owns the completion stage the same way it owns the first one.
func completionCascade(records []*pipeline.StageRecord) *pipeline.StageRecord {
	var completion *pipeline.StageRecord
	for _, rec := range records {
		if rec.Stage == pipeline.FinalStage() {
			completion = rec
			continue
		}
		if rec.Status == pipeline.StageStatusFailed || !rec.Status.IsTerminal() {
			return nil
		}
	}
	if completion == nil || completion.Status.IsTerminal() {
		return nil
	}
	return completion
}

// deriveDocumentStatus maps the stage record set to a document status. The
// result never moves a document backward: a batch start marks eligible
// documents processing, and earlier-stage activity must not undo that.
func deriveDocumentStatus(records []*pipeline.StageRecord, current pipeline.DocumentStatus) pipeline.DocumentStatus {
	detectionOrder := pipeline.StageDetection.Order()
	candidate := pipeline.DocumentStatusPending

	for _, rec := range records {
		if rec.Status == pipeline.StageStatusFailed {
			return pipeline.DocumentStatusFailed
		}
		if rec.Stage == pipeline.FinalStage() && rec.Status == pipeline.StageStatusCompleted {
			return pipeline.DocumentStatusCompleted
		}

		switch {
		case rec.Stage.Order() > detectionOrder:
			if rec.Status == pipeline.StageStatusInProgress || rec.Status == pipeline.StageStatusCompleted {
				candidate = maxDocumentStatus(candidate, pipeline.DocumentStatusProcessing)
			}
		case rec.Stage == pipeline.StageDetection:
			if rec.Status == pipeline.StageStatusCompleted {
				candidate = maxDocumentStatus(candidate, pipeline.DocumentStatusDetected)
			} else if rec.Status == pipeline.StageStatusInProgress {
				candidate = maxDocumentStatus(candidate, pipeline.DocumentStatusDetecting)
			}
		}
	}

	return maxDocumentStatus(current, candidate)
}

// statusRank orders the non-terminal document statuses by pipeline
// position.
var statusRank = map[pipeline.DocumentStatus]int{
	pipeline.DocumentStatusPending:    0,
	pipeline.DocumentStatusDetecting:  1,
	pipeline.DocumentStatusDetected:   2,
	pipeline.DocumentStatusProcessing: 3,
}

func maxDocumentStatus(a, b pipeline.DocumentStatus) pipeline.DocumentStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// firstFailure returns the error of the earliest failed stage.
func firstFailure(records []*pipeline.StageRecord) string {
	for _, rec := range records {
		if rec.Status != pipeline.StageStatusFailed {
			continue
		}
		if rec.Error != "" {
			return rec.Error
		}
		return fmt.Sprintf("stage %s failed", rec.Stage)
	}
	return ""
}
