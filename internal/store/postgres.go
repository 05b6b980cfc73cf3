package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freightworks/docket/internal/pipeline"
)

// Postgres is the pgx-backed Store. ForUpdate reads take row locks, so
// concurrent stage updates for the same document serialize on the
// document row.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the docket tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Transact(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &pipeline.TransactionError{Op: "begin", Err: err}
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&pgTx{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return &pipeline.TransactionError{Op: "commit", Err: err}
	}
	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	return getBatch(ctx, p.pool, batchID, false)
}

func (p *Postgres) ListBatches(ctx context.Context) ([]*pipeline.Batch, error) {
	rows, err := p.pool.Query(ctx, batchSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (p *Postgres) GetDocument(ctx context.Context, documentID string) (*pipeline.Document, error) {
	return getDocument(ctx, p.pool, documentID, false)
}

func (p *Postgres) ListDocuments(ctx context.Context, batchID string) ([]*pipeline.Document, error) {
	return listDocuments(ctx, p.pool, batchID)
}

func (p *Postgres) ListStageRecords(ctx context.Context, documentID string) ([]*pipeline.StageRecord, error) {
	return listStageRecords(ctx, p.pool, documentID)
}

func (p *Postgres) AverageBatchDurationMs(ctx context.Context, city string) (int64, int, error) {
	query := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0), COUNT(*)
		FROM batches
		WHERE city = $1 AND status = $2
		  AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`
	var avg float64
	var count int64
	err := p.pool.QueryRow(ctx, query, city, pipeline.BatchStatusCompleted).Scan(&avg, &count)
	if err != nil {
		return 0, 0, err
	}
	return int64(avg), int(count), nil
}

// pgTx adapts a pgx transaction to the Tx interface.
type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) GetBatchForUpdate(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	return getBatch(ctx, t.q, batchID, true)
}

func (t *pgTx) PutBatch(ctx context.Context, batch *pipeline.Batch) error {
	query := `
		INSERT INTO batches (
			id, name, city, status,
			total_items, processed_items, failed_items, skipped_items,
			skip_stages, fail_on_item_error, error_message,
			created_at, started_at, paused_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			city = EXCLUDED.city,
			status = EXCLUDED.status,
			total_items = EXCLUDED.total_items,
			processed_items = EXCLUDED.processed_items,
			failed_items = EXCLUDED.failed_items,
			skipped_items = EXCLUDED.skipped_items,
			skip_stages = EXCLUDED.skip_stages,
			fail_on_item_error = EXCLUDED.fail_on_item_error,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			paused_at = EXCLUDED.paused_at,
			completed_at = EXCLUDED.completed_at
	`
	_, err := t.q.Exec(ctx, query,
		batch.ID,
		batch.Name,
		batch.City,
		batch.Status,
		batch.TotalItems,
		batch.ProcessedItems,
		batch.FailedItems,
		batch.SkippedItems,
		stagesToText(batch.SkipStages),
		batch.FailOnItemError,
		batch.ErrorMessage,
		batch.CreatedAt,
		batch.StartedAt,
		batch.PausedAt,
		batch.CompletedAt,
	)
	return err
}

func (t *pgTx) GetDocumentForUpdate(ctx context.Context, documentID string) (*pipeline.Document, error) {
	return getDocument(ctx, t.q, documentID, true)
}

func (t *pgTx) PutDocument(ctx context.Context, doc *pipeline.Document) error {
	query := `
		INSERT INTO documents (
			id, batch_id, file_name, file_size, mime_type, page_count,
			spool_path, status, error_message, created_at,
			processing_started_at, processing_ended_at, processing_duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			file_size = EXCLUDED.file_size,
			mime_type = EXCLUDED.mime_type,
			page_count = EXCLUDED.page_count,
			spool_path = EXCLUDED.spool_path,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			processing_started_at = EXCLUDED.processing_started_at,
			processing_ended_at = EXCLUDED.processing_ended_at,
			processing_duration_ms = EXCLUDED.processing_duration_ms
	`
	_, err := t.q.Exec(ctx, query,
		doc.ID,
		doc.BatchID,
		doc.FileName,
		doc.FileSize,
		doc.MimeType,
		doc.PageCount,
		doc.SpoolPath,
		doc.Status,
		doc.ErrorMessage,
		doc.CreatedAt,
		doc.ProcessingStartedAt,
		doc.ProcessingEndedAt,
		doc.ProcessingDurationMs,
	)
	return err
}

func (t *pgTx) ListDocuments(ctx context.Context, batchID string) ([]*pipeline.Document, error) {
	return listDocuments(ctx, t.q, batchID)
}

func (t *pgTx) BulkUpdateDocumentStatus(ctx context.Context, batchID string, from []pipeline.DocumentStatus, to pipeline.DocumentStatus, errorMessage string) (int, error) {
	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}
	query := `
		UPDATE documents
		SET status = $1, error_message = $2
		WHERE batch_id = $3 AND status = ANY($4)
	`
	tag, err := t.q.Exec(ctx, query, to, errorMessage, batchID, fromText)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) GetStageRecord(ctx context.Context, documentID string, stage pipeline.Stage) (*pipeline.StageRecord, error) {
	query := recordSelect + ` WHERE document_id = $1 AND stage = $2`
	rec, err := scanRecord(t.q.QueryRow(ctx, query, documentID, stage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: stage record %s/%s", pipeline.ErrNotFound, documentID, stage)
	}
	return rec, err
}

func (t *pgTx) PutStageRecord(ctx context.Context, rec *pipeline.StageRecord) error {
	query := `
		INSERT INTO stage_records (
			document_id, stage, status, started_at, completed_at,
			duration_ms, result, error
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::jsonb, $8)
		ON CONFLICT (document_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			result = EXCLUDED.result,
			error = EXCLUDED.error
	`
	_, err := t.q.Exec(ctx, query,
		rec.DocumentID,
		rec.Stage,
		rec.Status,
		rec.StartedAt,
		rec.CompletedAt,
		rec.DurationMs,
		string(rec.Result),
		rec.Error,
	)
	return err
}

func (t *pgTx) ListStageRecords(ctx context.Context, documentID string) ([]*pipeline.StageRecord, error) {
	return listStageRecords(ctx, t.q, documentID)
}

// querier is the query surface shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const batchSelect = `
	SELECT id, name, city, status,
	       total_items, processed_items, failed_items, skipped_items,
	       skip_stages, fail_on_item_error, error_message,
	       created_at, started_at, paused_at, completed_at
	FROM batches
`

const documentSelect = `
	SELECT id, batch_id, file_name, file_size, mime_type, page_count,
	       spool_path, status, error_message, created_at,
	       processing_started_at, processing_ended_at, processing_duration_ms
	FROM documents
`

const recordSelect = `
	SELECT document_id, stage, status, started_at, completed_at,
	       duration_ms, result, error
	FROM stage_records
`

func getBatch(ctx context.Context, q querier, batchID string, forUpdate bool) (*pipeline.Batch, error) {
	query := batchSelect + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBatch(q.QueryRow(ctx, query, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", pipeline.ErrNotFound, batchID)
	}
	return b, err
}

func getDocument(ctx context.Context, q querier, documentID string, forUpdate bool) (*pipeline.Document, error) {
	query := documentSelect + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDocument(q.QueryRow(ctx, query, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", pipeline.ErrNotFound, documentID)
	}
	return d, err
}

func listDocuments(ctx context.Context, q querier, batchID string) ([]*pipeline.Document, error) {
	rows, err := q.Query(ctx, documentSelect+` WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pipeline.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func listStageRecords(ctx context.Context, q querier, documentID string) ([]*pipeline.StageRecord, error) {
	rows, err := q.Query(ctx, recordSelect+` WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pipeline.StageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func scanBatches(rows pgx.Rows) ([]*pipeline.Batch, error) {
	var out []*pipeline.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (*pipeline.Batch, error) {
	var b pipeline.Batch
	var skipStages []string
	err := row.Scan(
		&b.ID,
		&b.Name,
		&b.City,
		&b.Status,
		&b.TotalItems,
		&b.ProcessedItems,
		&b.FailedItems,
		&b.SkippedItems,
		&skipStages,
		&b.FailOnItemError,
		&b.ErrorMessage,
		&b.CreatedAt,
		&b.StartedAt,
		&b.PausedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.SkipStages = textToStages(skipStages)
	return &b, nil
}

func scanDocument(row pgx.Row) (*pipeline.Document, error) {
	var d pipeline.Document
	err := row.Scan(
		&d.ID,
		&d.BatchID,
		&d.FileName,
		&d.FileSize,
		&d.MimeType,
		&d.PageCount,
		&d.SpoolPath,
		&d.Status,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.ProcessingStartedAt,
		&d.ProcessingEndedAt,
		&d.ProcessingDurationMs,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanRecord(row pgx.Row) (*pipeline.StageRecord, error) {
	var rec pipeline.StageRecord
	var result []byte
	err := row.Scan(
		&rec.DocumentID,
		&rec.Stage,
		&rec.Status,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.DurationMs,
		&result,
		&rec.Error,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}

func stagesToText(stages []pipeline.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func textToStages(text []string) []pipeline.Stage {
	if len(text) == 0 {
		return nil
	}
	out := make([]pipeline.Stage, len(text))
	for i, s := range text {
		out[i] = pipeline.Stage(s)
	}
	return out
}
