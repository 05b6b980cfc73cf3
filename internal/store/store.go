// Package store is the durable home of batches, documents, and stage
// records. Two backends are provided: an in-memory store for single-binary
// and test use, and a Postgres store for real deployments. Both give the
// same guarantee: everything written inside one Transact call commits
// atomically or not at all.
package store

import (
	"context"

	"github.com/freightworks/docket/internal/pipeline"
)

// Store combines the read surface with transactional writes.
type Store interface {
	Reader

	// Transact runs fn inside a single atomic transaction. If fn returns
	// an error the transaction rolls back and that error is returned
	// unchanged. Begin and commit failures are reported as a
	// *pipeline.TransactionError.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the store's resources.
	Close() error
}

// Reader provides read-only access outside a transaction.
type Reader interface {
	GetBatch(ctx context.Context, batchID string) (*pipeline.Batch, error)
	ListBatches(ctx context.Context) ([]*pipeline.Batch, error)
	GetDocument(ctx context.Context, documentID string) (*pipeline.Document, error)
	ListDocuments(ctx context.Context, batchID string) ([]*pipeline.Document, error)
	ListStageRecords(ctx context.Context, documentID string) ([]*pipeline.StageRecord, error)

	// AverageBatchDurationMs returns the mean wall-clock duration of
	// completed batches in one city scope and how many batches were
	// averaged. A count of zero means no history exists.
	AverageBatchDurationMs(ctx context.Context, city string) (avgMs int64, count int, err error)
}

// Tx is the surface available inside a transaction. ForUpdate reads lock
// the row they return until the transaction ends, and every read observes
// the transaction's own earlier writes. Put operations are upserts.
type Tx interface {
	GetBatchForUpdate(ctx context.Context, batchID string) (*pipeline.Batch, error)
	PutBatch(ctx context.Context, batch *pipeline.Batch) error

	GetDocumentForUpdate(ctx context.Context, documentID string) (*pipeline.Document, error)
	PutDocument(ctx context.Context, doc *pipeline.Document) error
	ListDocuments(ctx context.Context, batchID string) ([]*pipeline.Document, error)

	// BulkUpdateDocumentStatus moves every document of the batch whose
	// status is in from to the to status, overwriting error_message with
	// errorMessage, and returns how many documents changed.
	BulkUpdateDocumentStatus(ctx context.Context, batchID string, from []pipeline.DocumentStatus, to pipeline.DocumentStatus, errorMessage string) (int, error)

	GetStageRecord(ctx context.Context, documentID string, stage pipeline.Stage) (*pipeline.StageRecord, error)
	PutStageRecord(ctx context.Context, rec *pipeline.StageRecord) error
	ListStageRecords(ctx context.Context, documentID string) ([]*pipeline.StageRecord, error)
}
