// Package ingest admits uploaded documents into batches. Attach spools the
// payload under the docket home, sniffs its content type, and records the
// document together with its upload and detection stages in one
// transaction.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/tracker"
)

// Config carries the ingestor's dependencies.
type Config struct {
	Store   store.Store
	Tracker *tracker.StageTracker
	Home    *home.Dir
	Logger  *slog.Logger
}

// Ingestor attaches uploaded documents to pending batches.
type Ingestor struct {
	store   store.Store
	tracker *tracker.StageTracker
	home    *home.Dir
	logger  *slog.Logger
}

// New creates an Ingestor from cfg.
func New(cfg Config) *Ingestor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:   cfg.Store,
		tracker: cfg.Tracker,
		home:    cfg.Home,
		logger:  log,
	}
}

// Request contains one uploaded document payload.
type Request struct {
	BatchID  string
	FileName string
	Payload  []byte
}

// Attach adds an uploaded document to its batch. The payload is spooled to
// disk first; the batch counter bump, the document row, and its stage
// records then commit in one transaction, so a failure leaves either a
// fully attached document or none. Attaching is only legal while the batch
// is pending.
//
// The upload stage completes on the spot. Detection completes too when the
// content sniff classified the payload; an unclassified payload leaves
// detection open for the processing run to retry against the spooled file.
func (in *Ingestor) Attach(ctx context.Context, req Request) (*pipeline.Document, error) {
	if req.BatchID == "" {
		return nil, &pipeline.ValidationError{Field: "batch_id", Reason: "batch id is required"}
	}
	if req.FileName == "" {
		return nil, &pipeline.ValidationError{Field: "file_name", Reason: "file name is required"}
	}
	if len(req.Payload) == 0 {
		return nil, &pipeline.ValidationError{Field: "file", Reason: "empty payload"}
	}

	doc := pipeline.NewDocument(req.BatchID, req.FileName, int64(len(req.Payload)))

	insp := Inspect(req.Payload)
	doc.MimeType = insp.MimeType
	doc.PageCount = insp.PageCount
	doc.SpoolPath = in.home.DocumentSpoolPath(req.BatchID, doc.ID, req.FileName)

	if err := in.home.EnsureBatchSpoolDir(req.BatchID); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := os.WriteFile(doc.SpoolPath, req.Payload, 0o644); err != nil {
		return nil, fmt.Errorf("failed to spool payload: %w", err)
	}

	err := in.store.Transact(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatchForUpdate(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if batch.Status != pipeline.BatchStatusPending {
			return &pipeline.InvalidTransitionError{
				Entity: "batch",
				ID:     batch.ID,
				Status: string(batch.Status),
				Op:     "attach to",
			}
		}

		batch.TotalItems++
		if err := tx.PutBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.PutDocument(ctx, doc); err != nil {
			return err
		}
		if err := in.tracker.Initialize(ctx, tx, doc.ID, batch.SkipStages); err != nil {
			return err
		}

		if _, err := in.tracker.Apply(ctx, tx, doc, pipeline.StageUpload, pipeline.StageStatusCompleted, nil, ""); err != nil {
			return err
		}

		if insp.Classified() && !slices.Contains(batch.SkipStages, pipeline.StageDetection) {
			result, err := json.Marshal(DetectionResult{
				MimeType:  insp.MimeType,
				PageCount: insp.PageCount,
			})
			if err != nil {
				return err
			}
			if _, err := in.tracker.Apply(ctx, tx, doc, pipeline.StageDetection, pipeline.StageStatusCompleted, result, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Keep the spool in step with the store
		os.Remove(doc.SpoolPath)
		return nil, err
	}

	in.logger.Info("document attached",
		"batch_id", req.BatchID,
		"document_id", doc.ID,
		"file_name", doc.FileName,
		"mime_type", doc.MimeType,
		"pages", doc.PageCount,
		"status", doc.Status,
	)

	return doc, nil
}
