// Package batch owns the batch lifecycle state machine. Every transition
// that touches both the batch row and its documents runs inside one store
// transaction, so a batch is never observed cancelled while documents
// remain pending.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightworks/docket/internal/dispatch"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
)

// CancelledMessage is written to every document skipped by a cancel.
const CancelledMessage = "Batch cancelled by user"

// startEligible are the document statuses moved to processing by Start.
var startEligible = []pipeline.DocumentStatus{
	pipeline.DocumentStatusPending,
	pipeline.DocumentStatusDetected,
}

// cancelEligible are the document statuses skipped by Cancel. Documents
// already processing run to their own conclusion; the runner observes the
// cancelled batch and stops advancing them.
var cancelEligible = []pipeline.DocumentStatus{
	pipeline.DocumentStatusPending,
	pipeline.DocumentStatusDetecting,
	pipeline.DocumentStatusDetected,
}

// HistoryInvalidator drops cached duration history for a city scope.
// Implemented by history.Service.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, city string)
}

// Config holds dependencies for the controller.
type Config struct {
	Store      store.Store
	Dispatcher dispatch.Dispatcher // optional; Start and Resume signal it
	History    HistoryInvalidator  // optional
	Logger     *slog.Logger
}

// Controller drives batch lifecycle transitions.
type Controller struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	history    HistoryInvalidator
	logger     *slog.Logger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		history:    cfg.History,
		logger:     logger,
	}
}

// CancelResult reports what a cancel did. AlreadyTerminal is set when the
// batch reached a terminal status between the eligibility check and the
// transaction's locked read; the cancel then changed nothing and the
// batch carries whichever terminal status won.
type CancelResult struct {
	Batch           *pipeline.Batch `json:"batch"`
	SkippedCount    int             `json:"skipped_count"`
	AlreadyTerminal bool            `json:"already_terminal,omitempty"`
}

// Create registers an empty pending batch. Stage names in skipStages must
// be real pipeline stages, and the stages the tracker completes on its own
// cannot be skipped.
func (c *Controller) Create(ctx context.Context, name, city string, skipStages []string, failOnItemError bool) (*pipeline.Batch, error) {
	if name == "" {
		return nil, &pipeline.ValidationError{Field: "name", Reason: "required"}
	}

	stages := make([]pipeline.Stage, 0, len(skipStages))
	for _, raw := range skipStages {
		stage, err := pipeline.ParseStage(raw)
		if err != nil {
			return nil, err
		}
		if stage == pipeline.FirstStage() || stage == pipeline.FinalStage() {
			return nil, &pipeline.ValidationError{
				Field:  "skip_stages",
				Reason: fmt.Sprintf("stage %q cannot be skipped", stage),
			}
		}
		stages = append(stages, stage)
	}

	b := pipeline.NewBatch(name, city, stages, failOnItemError)
	err := c.store.Transact(ctx, func(tx store.Tx) error {
		return tx.PutBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("batch created", "batch_id", b.ID, "name", b.Name, "city", b.City)
	return b, nil
}

// Get returns one batch.
func (c *Controller) Get(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	return c.store.GetBatch(ctx, batchID)
}

// List returns all batches, newest last.
func (c *Controller) List(ctx context.Context) ([]*pipeline.Batch, error) {
	return c.store.ListBatches(ctx)
}

// Start moves a pending batch to processing and its eligible documents
// with it, then signals the dispatcher. The dispatch is fire and forget:
// its failure is logged, never propagated, and the committed transition
// stands either way.
func (c *Controller) Start(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	var (
		b        *pipeline.Batch
		eligible int
	)
	err := c.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status != pipeline.BatchStatusPending {
			return &pipeline.InvalidTransitionError{
				Entity: "batch", ID: batchID, Status: string(b.Status), Op: "start",
			}
		}

		eligible, err = tx.BulkUpdateDocumentStatus(ctx, batchID, startEligible, pipeline.DocumentStatusProcessing, "")
		if err != nil {
			return err
		}
		if eligible == 0 {
			return fmt.Errorf("%w: no eligible documents", &pipeline.InvalidTransitionError{
				Entity: "batch", ID: batchID, Status: string(b.Status), Op: "start",
			})
		}

		now := time.Now().UTC()
		b.Status = pipeline.BatchStatusProcessing
		b.StartedAt = &now
		return tx.PutBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("batch started", "batch_id", b.ID, "eligible", eligible)
	c.signal(ctx, b.ID)
	return b, nil
}

// Pause halts a processing batch. Documents are not touched; the runner
// observes the paused batch and stops advancing them.
func (c *Controller) Pause(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	var b *pipeline.Batch
	err := c.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status != pipeline.BatchStatusProcessing {
			return &pipeline.InvalidTransitionError{
				Entity: "batch", ID: batchID, Status: string(b.Status), Op: "pause",
			}
		}
		now := time.Now().UTC()
		b.Status = pipeline.BatchStatusPaused
		b.PausedAt = &now
		return tx.PutBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("batch paused", "batch_id", b.ID)
	return b, nil
}

// Resume returns a paused batch to processing and re-signals the
// dispatcher so the runner picks its documents back up.
func (c *Controller) Resume(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	var b *pipeline.Batch
	err := c.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status != pipeline.BatchStatusPaused {
			return &pipeline.InvalidTransitionError{
				Entity: "batch", ID: batchID, Status: string(b.Status), Op: "resume",
			}
		}
		b.Status = pipeline.BatchStatusProcessing
		b.PausedAt = nil
		return tx.PutBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("batch resumed", "batch_id", b.ID)
	c.signal(ctx, b.ID)
	return b, nil
}

// Cancel terminates a non-terminal batch and skips every document that
// has not begun processing, all in one transaction. Cancelling a batch
// that is already terminal is InvalidTransition; a batch that turns
// terminal under a concurrent Cancel loses the race softly and returns
// AlreadyTerminal instead of an error.
func (c *Controller) Cancel(ctx context.Context, batchID string) (*CancelResult, error) {
	pre, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if pre.Status.IsTerminal() {
		return nil, &pipeline.InvalidTransitionError{
			Entity: "batch", ID: batchID, Status: string(pre.Status), Op: "cancel",
		}
	}

	res := &CancelResult{}
	err = c.store.Transact(ctx, func(tx store.Tx) error {
		b, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			res.Batch = b
			res.AlreadyTerminal = true
			return nil
		}

		skipped, err := tx.BulkUpdateDocumentStatus(ctx, batchID, cancelEligible, pipeline.DocumentStatusSkipped, CancelledMessage)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		b.Status = pipeline.BatchStatusCancelled
		b.SkippedItems += skipped
		b.CompletedAt = &now
		if err := tx.PutBatch(ctx, b); err != nil {
			return err
		}
		res.Batch = b
		res.SkippedCount = skipped
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.AlreadyTerminal {
		c.logger.Info("cancel lost to earlier terminal status", "batch_id", batchID, "status", res.Batch.Status)
		return res, nil
	}
	c.logger.Info("batch cancelled", "batch_id", batchID, "skipped", res.SkippedCount)
	return res, nil
}

// CompleteIfDone finalizes a batch once every document is settled. It is
// called after each document settles and by the broadcaster's done check,
// and is idempotent: a batch that is already terminal, still filling, or
// still working is returned unchanged. FailOnItemError selects failed
// over completed when any document failed.
func (c *Controller) CompleteIfDone(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status.IsTerminal() || !b.AllSettled() {
		return b, nil
	}
	if b.Status != pipeline.BatchStatusProcessing && b.Status != pipeline.BatchStatusPaused {
		return b, nil
	}

	err = c.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() || !b.AllSettled() {
			return nil
		}

		now := time.Now().UTC()
		if b.FailOnItemError && b.FailedItems > 0 {
			b.Status = pipeline.BatchStatusFailed
			b.ErrorMessage = fmt.Sprintf("%d of %d documents failed", b.FailedItems, b.TotalItems)
		} else {
			b.Status = pipeline.BatchStatusCompleted
		}
		b.CompletedAt = &now
		return tx.PutBatch(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	if b.Status.IsTerminal() {
		c.logger.Info("batch finished", "batch_id", b.ID, "status", b.Status,
			"processed", b.ProcessedItems, "failed", b.FailedItems, "skipped", b.SkippedItems)
		if c.history != nil {
			c.history.Invalidate(ctx, b.City)
		}
	}
	return b, nil
}

// signal hands the batch to the dispatcher without blocking the caller.
// The transition has already committed; a dispatch failure is logged and
// the runner catches up on the next signal or done check.
func (c *Controller) signal(ctx context.Context, batchID string) {
	if c.dispatcher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.dispatcher.Dispatch(ctx, dispatch.NewMessage(batchID)); err != nil {
			c.logger.Error("dispatch failed", "batch_id", batchID, "error", err)
		}
	}()
}
