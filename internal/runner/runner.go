// Package runner drives dispatched batches through the pipeline. It
// consumes batch dispatch messages and walks every unsettled document of
// the batch through its open stages, reporting each transition through the
// stage tracker. Concurrency is bounded per batch; pause and cancel are
// honored cooperatively between stages.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/freightworks/docket/internal/dispatch"
	"github.com/freightworks/docket/internal/executors"
	"github.com/freightworks/docket/internal/ingest"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/tracker"
)

// DefaultWorkers bounds how many documents of one batch run concurrently.
const DefaultWorkers = 4

// Completer is the batch-side done check, satisfied by batch.Controller.
type Completer interface {
	CompleteIfDone(ctx context.Context, batchID string) (*pipeline.Batch, error)
}

// Config carries the runner's dependencies.
type Config struct {
	Store     store.Store
	Tracker   *tracker.StageTracker
	Completer Completer
	Source    dispatch.Source
	Extractor executors.Extractor
	Mapper    executors.Mapper

	// Workers bounds concurrent documents per batch. Zero means
	// DefaultWorkers.
	Workers int

	// AutoReviewThreshold and MinConfidence drive the confidence routing
	// after mapping. Zero means the executors package defaults.
	AutoReviewThreshold float64
	MinConfidence       float64

	Logger *slog.Logger
}

// Runner consumes dispatch messages and processes batches.
type Runner struct {
	store         store.Store
	tracker       *tracker.StageTracker
	completer     Completer
	source        dispatch.Source
	extractor     executors.Extractor
	mapper        executors.Mapper
	workers       int
	autoThreshold float64
	minConfidence float64
	logger        *slog.Logger
}

// New creates a Runner from cfg.
func New(cfg Config) *Runner {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	autoThreshold := cfg.AutoReviewThreshold
	if autoThreshold == 0 {
		autoThreshold = executors.DefaultAutoReviewThreshold
	}
	minConfidence := cfg.MinConfidence
	if minConfidence == 0 {
		minConfidence = executors.DefaultMinConfidence
	}
	return &Runner{
		store:         cfg.Store,
		tracker:       cfg.Tracker,
		completer:     cfg.Completer,
		source:        cfg.Source,
		extractor:     cfg.Extractor,
		mapper:        cfg.Mapper,
		workers:       workers,
		autoThreshold: autoThreshold,
		minConfidence: minConfidence,
		logger:        log,
	}
}

// Run consumes dispatch messages until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	return r.source.Consume(ctx, r.handle)
}

func (r *Runner) handle(ctx context.Context, msg dispatch.Message) error {
	r.logger.Info("batch dispatched for processing", "batch_id", msg.BatchID)
	if err := r.ProcessBatch(ctx, msg.BatchID); err != nil {
		r.logger.Error("batch processing failed", "batch_id", msg.BatchID, "error", err)
		return err
	}
	return nil
}

// ProcessBatch walks every unsettled document of the batch through its
// open stages. A document failure never touches its siblings. After the
// walk the batch is offered for completion; a paused batch keeps its
// progress and is picked up again by the resume dispatch.
func (r *Runner) ProcessBatch(ctx context.Context, batchID string) error {
	b, err := r.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != pipeline.BatchStatusProcessing {
		r.logger.Info("batch not processing, nothing to run",
			"batch_id", batchID, "status", b.Status)
		return nil
	}

	docs, err := r.store.ListDocuments(ctx, batchID)
	if err != nil {
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for _, doc := range docs {
		if doc.Status.IsTerminal() {
			continue
		}
		eg.Go(func() error {
			// Stage failures settle the document and must not cancel
			// sibling walks, so the walk never returns an error.
			r.processDocument(gctx, doc.ID, batchID)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if _, err := r.completer.CompleteIfDone(ctx, batchID); err != nil {
		r.logger.Error("batch completion check failed", "batch_id", batchID, "error", err)
	}
	return nil
}

// workStages are the stages the runner advances. The first and final
// stages belong to the tracker.
var workStages = []pipeline.Stage{
	pipeline.StageUpload,
	pipeline.StageDetection,
	pipeline.StageExtraction,
	pipeline.StageMapping,
	pipeline.StageReview,
}

// processDocument advances one document stage by stage until it settles,
// awaits a human, or its batch stops being processable. State is re-read
// every step so a crashed or paused walk resumes exactly where it left
// off.
func (r *Runner) processDocument(ctx context.Context, documentID, batchID string) {
	log := r.logger.With("batch_id", batchID, "document_id", documentID)

	for {
		doc, err := r.store.GetDocument(ctx, documentID)
		if err != nil {
			log.Error("document read failed", "error", err)
			return
		}
		if doc.Status.IsTerminal() {
			return
		}

		b, err := r.store.GetBatch(ctx, batchID)
		if err != nil {
			log.Error("batch read failed", "error", err)
			return
		}
		if b.Status != pipeline.BatchStatusProcessing {
			log.Info("halting document walk", "batch_status", b.Status)
			return
		}

		recs, err := r.store.ListStageRecords(ctx, documentID)
		if err != nil {
			log.Error("stage records read failed", "error", err)
			return
		}

		stage := nextOpenStage(recs)
		if stage == "" {
			return
		}
		if stage == pipeline.StageReview {
			log.Info("document awaiting review")
			return
		}

		if stop := r.runStage(ctx, log, doc, stage, recs); stop {
			return
		}
	}
}

// nextOpenStage returns the first runner-owned stage that is not yet
// terminal, in pipeline order.
func nextOpenStage(recs []*pipeline.StageRecord) pipeline.Stage {
	byStage := make(map[pipeline.Stage]*pipeline.StageRecord, len(recs))
	for _, rec := range recs {
		byStage[rec.Stage] = rec
	}
	for _, stage := range workStages {
		rec, ok := byStage[stage]
		if !ok || !rec.Status.IsTerminal() {
			return stage
		}
	}
	return ""
}

// runStage executes one stage for the document. It returns true when the
// walk must stop: the stage failed, or its outcome needs outside input
// before later stages can run.
func (r *Runner) runStage(ctx context.Context, log *slog.Logger, doc *pipeline.Document, stage pipeline.Stage, recs []*pipeline.StageRecord) bool {
	switch stage {
	case pipeline.StageUpload:
		// Attach settles upload; an open record only means the document
		// was created without a payload pass, and the spool is in place.
		if _, err := r.tracker.Update(ctx, doc.ID, stage, pipeline.StageStatusCompleted, nil, ""); err != nil {
			log.Error("stage update failed", "stage", stage, "error", err)
			return true
		}
		return false
	case pipeline.StageDetection:
		return r.runDetection(ctx, log, doc)
	case pipeline.StageExtraction:
		return r.runExtraction(ctx, log, doc)
	case pipeline.StageMapping:
		return r.runMapping(ctx, log, doc, recs)
	}
	return true
}

// runDetection retries the content sniff against the spooled payload. A
// payload that still cannot be classified fails the stage.
func (r *Runner) runDetection(ctx context.Context, log *slog.Logger, doc *pipeline.Document) bool {
	if stop := r.markInProgress(ctx, log, doc, pipeline.StageDetection); stop {
		return true
	}

	insp, err := ingest.InspectFile(doc.SpoolPath)
	if err == nil && !insp.Classified() {
		err = fmt.Errorf("unrecognized content type %s", insp.MimeType)
	}
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageDetection, err)
		return true
	}

	result, err := json.Marshal(ingest.DetectionResult{
		MimeType:  insp.MimeType,
		PageCount: insp.PageCount,
	})
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageDetection, err)
		return true
	}
	return r.completeStage(ctx, log, doc, pipeline.StageDetection, result)
}

func (r *Runner) runExtraction(ctx context.Context, log *slog.Logger, doc *pipeline.Document) bool {
	if stop := r.markInProgress(ctx, log, doc, pipeline.StageExtraction); stop {
		return true
	}

	payload, err := os.ReadFile(doc.SpoolPath)
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageExtraction, fmt.Errorf("spooled payload unreadable: %w", err))
		return true
	}

	res, err := r.extractor.ExtractFile(ctx, doc.ID, doc.FileName, payload)
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageExtraction, err)
		return true
	}

	result, err := json.Marshal(res)
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageExtraction, err)
		return true
	}
	return r.completeStage(ctx, log, doc, pipeline.StageExtraction, result)
}

// runMapping identifies the forwarder from the extracted text and routes
// on confidence: high resolves review automatically, middling leaves
// review for a human, low fails the mapping as unidentified.
func (r *Runner) runMapping(ctx context.Context, log *slog.Logger, doc *pipeline.Document, recs []*pipeline.StageRecord) bool {
	if stop := r.markInProgress(ctx, log, doc, pipeline.StageMapping); stop {
		return true
	}

	res, err := r.mapper.Identify(ctx, doc.ID, extractedText(recs))
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageMapping, err)
		return true
	}

	result, err := json.Marshal(res)
	if err != nil {
		r.failStage(ctx, log, doc, pipeline.StageMapping, err)
		return true
	}

	switch executors.RouteConfidence(res.Confidence, r.autoThreshold, r.minConfidence) {
	case executors.RouteUnidentified:
		stageErr := fmt.Sprintf("forwarder unidentified (confidence %.2f)", res.Confidence)
		if _, err := r.tracker.Update(ctx, doc.ID, pipeline.StageMapping, pipeline.StageStatusFailed, result, stageErr); err != nil {
			log.Error("stage update failed", "stage", pipeline.StageMapping, "error", err)
		}
		return true

	case executors.RouteNeedsReview:
		if stop := r.completeStage(ctx, log, doc, pipeline.StageMapping, result); stop {
			return true
		}
		log.Info("forwarder mapping needs review",
			"forwarder_id", res.ForwarderID, "confidence", res.Confidence)
		return false

	default: // RouteAutoReview
		if stop := r.completeStage(ctx, log, doc, pipeline.StageMapping, result); stop {
			return true
		}
		review, err := json.Marshal(executors.ReviewResult{
			Decision:    executors.DecisionAutoAccepted,
			ForwarderID: res.ForwarderID,
			Confidence:  res.Confidence,
		})
		if err != nil {
			r.failStage(ctx, log, doc, pipeline.StageReview, err)
			return true
		}
		if stop := r.completeStage(ctx, log, doc, pipeline.StageReview, review); stop {
			return true
		}
		log.Info("forwarder auto-accepted",
			"forwarder_id", res.ForwarderID, "confidence", res.Confidence)
		return false
	}
}

// extractedText pulls the OCR text out of the extraction stage result.
// Empty when extraction was skipped or carried no payload; the mapping
// service owns what an empty text identifies as.
func extractedText(recs []*pipeline.StageRecord) string {
	for _, rec := range recs {
		if rec.Stage != pipeline.StageExtraction || len(rec.Result) == 0 {
			continue
		}
		var res executors.ExtractionResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			return ""
		}
		return res.ExtractedText
	}
	return ""
}

func (r *Runner) markInProgress(ctx context.Context, log *slog.Logger, doc *pipeline.Document, stage pipeline.Stage) bool {
	if _, err := r.tracker.Update(ctx, doc.ID, stage, pipeline.StageStatusInProgress, nil, ""); err != nil {
		log.Error("stage update failed", "stage", stage, "error", err)
		return true
	}
	return false
}

func (r *Runner) completeStage(ctx context.Context, log *slog.Logger, doc *pipeline.Document, stage pipeline.Stage, result json.RawMessage) bool {
	if _, err := r.tracker.Update(ctx, doc.ID, stage, pipeline.StageStatusCompleted, result, ""); err != nil {
		log.Error("stage update failed", "stage", stage, "error", err)
		return true
	}
	log.Debug("stage completed", "stage", stage)
	return false
}

func (r *Runner) failStage(ctx context.Context, log *slog.Logger, doc *pipeline.Document, stage pipeline.Stage, stageErr error) {
	log.Warn("stage failed", "stage", stage, "error", stageErr)
	if _, err := r.tracker.Update(ctx, doc.ID, stage, pipeline.StageStatusFailed, nil, stageErr.Error()); err != nil {
		log.Error("failed to record stage failure", "stage", stage, "error", err)
	}
}
