// Package progress turns stage records into a single 0-100 percentage and
// an estimated time remaining, for one document or aggregated over a
// batch.
package progress

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
)

// CompletedStage is the pseudo-stage reported once every real stage is
// completed or skipped.
const CompletedStage = "completed"

// DefaultMsPerWeightUnit is the fallback cost of one weight unit when no
// batch history exists for the city.
const DefaultMsPerWeightUnit = 1000

// History supplies the mean completed-batch duration for a city scope.
// Implemented by the history service; ok is false when no history exists.
type History interface {
	AverageDurationMs(ctx context.Context, city string) (avgMs int64, ok bool, err error)
}

// Config holds dependencies for the calculator.
type Config struct {
	Store           store.Reader
	History         History // optional
	Logger          *slog.Logger
	MsPerWeightUnit int64 // zero means DefaultMsPerWeightUnit
}

// Calculator derives progress snapshots on demand. It holds no state of
// its own; every call reads the store.
type Calculator struct {
	store           store.Reader
	history         History
	logger          *slog.Logger
	msPerWeightUnit int64
}

// New creates a Calculator.
func New(cfg Config) *Calculator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	unit := cfg.MsPerWeightUnit
	if unit <= 0 {
		unit = DefaultMsPerWeightUnit
	}
	return &Calculator{
		store:           cfg.Store,
		history:         cfg.History,
		logger:          logger,
		msPerWeightUnit: unit,
	}
}

// Snapshot is the progress view pushed to subscribers and returned by the
// progress endpoints.
type Snapshot struct {
	BatchID              string    `json:"batch_id"`
	DocumentID           string    `json:"document_id,omitempty"`
	CurrentStage         string    `json:"current_stage"`
	Status               string    `json:"status"`
	ProgressPercent      int       `json:"progress_percent"`
	EstimatedRemainingMs int64     `json:"estimated_remaining_ms"`
	LastUpdatedAt        time.Time `json:"last_updated_at"`
}

// Document returns the weighted progress snapshot for one document.
func (c *Calculator) Document(ctx context.Context, documentID string) (*Snapshot, error) {
	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	batch, err := c.store.GetBatch(ctx, doc.BatchID)
	if err != nil {
		return nil, err
	}
	records, err := c.store.ListStageRecords(ctx, documentID)
	if err != nil {
		return nil, err
	}

	a := analyze(records)
	snap := &Snapshot{
		BatchID:         doc.BatchID,
		DocumentID:      doc.ID,
		CurrentStage:    a.currentStage,
		Status:          string(doc.Status),
		ProgressPercent: a.percent,
		LastUpdatedAt:   lastTouched(doc, records),
	}
	if !doc.Status.IsTerminal() {
		snap.EstimatedRemainingMs = c.estimateRemaining(ctx, batch.City, a.percent, a.remainingWeight)
	}
	return snap, nil
}

// Batch returns the aggregated snapshot for one batch. The percentage is
// the mean of the per-document percentages, with settled documents
// counting their final value (100 for completed and skipped, the pinned
// value for failed). The current stage is the earliest stage any
// unsettled document is on.
func (c *Calculator) Batch(ctx context.Context, batchID string) (*Snapshot, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	docs, err := c.store.ListDocuments(ctx, batchID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		BatchID:      batch.ID,
		CurrentStage: CompletedStage,
		Status:       string(batch.Status),
	}

	var percentSum float64
	var remainingWeight float64
	currentOrder := len(pipeline.Stages())
	last := batch.CreatedAt
	for _, ts := range []*time.Time{batch.StartedAt, batch.PausedAt, batch.CompletedAt} {
		if ts != nil && ts.After(last) {
			last = *ts
		}
	}

	for _, doc := range docs {
		records, err := c.store.ListStageRecords(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		a := analyze(records)

		switch doc.Status {
		case pipeline.DocumentStatusCompleted, pipeline.DocumentStatusSkipped:
			percentSum += 100
		default:
			percentSum += float64(a.percent)
		}
		if !doc.Status.IsTerminal() {
			remainingWeight += a.remainingWeight
			if order := stageOrderOf(a.currentStage); order < currentOrder {
				currentOrder = order
				snap.CurrentStage = a.currentStage
			}
		}
		if lt := lastTouched(doc, records); lt.After(last) {
			last = lt
		}
	}

	if len(docs) > 0 {
		snap.ProgressPercent = clampPercent(math.Round(percentSum / float64(len(docs))))
	}
	snap.LastUpdatedAt = last
	if !batch.Status.IsTerminal() {
		snap.EstimatedRemainingMs = c.estimateRemaining(ctx, batch.City, snap.ProgressPercent, remainingWeight)
	}
	return snap, nil
}

// estimateRemaining prefers the historical mean batch duration for the
// city and falls back to pricing the uncredited weight at a fixed rate.
func (c *Calculator) estimateRemaining(ctx context.Context, city string, percent int, remainingWeight float64) int64 {
	if percent >= 100 {
		return 0
	}
	if c.history != nil {
		avg, ok, err := c.history.AverageDurationMs(ctx, city)
		if err != nil {
			c.logger.Warn("history lookup failed, using weight estimate", "city", city, "error", err)
		} else if ok {
			return avg * int64(100-percent) / 100
		}
	}
	return int64(math.Round(remainingWeight * float64(c.msPerWeightUnit)))
}

// analysis is the weighted reading of one document's records.
type analysis struct {
	percent         int
	currentStage    string
	remainingWeight float64
	failed          bool
}

// analyze walks the records in stage order crediting full weight for
// completed and skipped stages and half weight for in-progress ones. A
// failed stage pins progress where it stood and becomes the current
// stage; nothing after it is credited even if later records moved.
func analyze(records []*pipeline.StageRecord) analysis {
	ordered := make([]*pipeline.StageRecord, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Stage.Order() < ordered[j].Stage.Order()
	})

	total := float64(pipeline.TotalWeight())
	var credited float64
	currentStage := ""
	firstOpen := ""

	for _, rec := range ordered {
		weight := float64(rec.Stage.Weight())
		switch rec.Status {
		case pipeline.StageStatusCompleted, pipeline.StageStatusSkipped:
			credited += weight
		case pipeline.StageStatusInProgress:
			credited += weight / 2
			if currentStage == "" {
				currentStage = string(rec.Stage)
			}
		case pipeline.StageStatusFailed:
			return analysis{
				percent:         clampPercent(math.Round(credited / total * 100)),
				currentStage:    string(rec.Stage),
				remainingWeight: total - credited,
				failed:          true,
			}
		default:
			if firstOpen == "" {
				firstOpen = string(rec.Stage)
			}
		}
	}

	if currentStage == "" {
		currentStage = firstOpen
	}
	if currentStage == "" {
		currentStage = CompletedStage
	}
	return analysis{
		percent:         clampPercent(math.Round(credited / total * 100)),
		currentStage:    currentStage,
		remainingWeight: total - credited,
	}
}

func clampPercent(v float64) int {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return int(v)
}

func stageOrderOf(stage string) int {
	if stage == CompletedStage {
		return len(pipeline.Stages())
	}
	return pipeline.Stage(stage).Order()
}

// lastTouched returns the most recent timestamp across the document and
// its records.
func lastTouched(doc *pipeline.Document, records []*pipeline.StageRecord) time.Time {
	last := doc.CreatedAt
	for _, ts := range []*time.Time{doc.ProcessingStartedAt, doc.ProcessingEndedAt} {
		if ts != nil && ts.After(last) {
			last = *ts
		}
	}
	for _, rec := range records {
		for _, ts := range []*time.Time{rec.StartedAt, rec.CompletedAt} {
			if ts != nil && ts.After(last) {
				last = *ts
			}
		}
	}
	return last
}
