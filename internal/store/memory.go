package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/freightworks/docket/internal/pipeline"
)

// Memory is an in-memory Store. One mutex serializes transactions, which
// makes every transaction atomic and totally ordered. Writes are staged
// per transaction and applied on commit, so a failed transaction leaves
// no trace. Values cross the store boundary as copies; callers never
// share memory with the store.
type Memory struct {
	mu      sync.RWMutex
	batches map[string]*pipeline.Batch
	docs    map[string]*pipeline.Document
	records map[recordKey]*pipeline.StageRecord
}

type recordKey struct {
	documentID string
	stage      pipeline.Stage
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		batches: make(map[string]*pipeline.Batch),
		docs:    make(map[string]*pipeline.Document),
		records: make(map[recordKey]*pipeline.StageRecord),
	}
}

func (m *Memory) GetBatch(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", pipeline.ErrNotFound, batchID)
	}
	return cloneBatch(b), nil
}

func (m *Memory) ListBatches(ctx context.Context) ([]*pipeline.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*pipeline.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, cloneBatch(b))
	}
	sortBatches(out)
	return out, nil
}

func (m *Memory) GetDocument(ctx context.Context, documentID string) (*pipeline.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", pipeline.ErrNotFound, documentID)
	}
	return cloneDocument(d), nil
}

func (m *Memory) ListDocuments(ctx context.Context, batchID string) ([]*pipeline.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*pipeline.Document
	for _, d := range m.docs {
		if d.BatchID == batchID {
			out = append(out, cloneDocument(d))
		}
	}
	sortDocuments(out)
	return out, nil
}

func (m *Memory) ListStageRecords(ctx context.Context, documentID string) ([]*pipeline.StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*pipeline.StageRecord
	for key, rec := range m.records {
		if key.documentID == documentID {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) AverageBatchDurationMs(ctx context.Context, city string) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	var count int
	for _, b := range m.batches {
		if b.Status != pipeline.BatchStatusCompleted || b.City != city {
			continue
		}
		if b.StartedAt == nil || b.CompletedAt == nil {
			continue
		}
		sum += b.CompletedAt.Sub(*b.StartedAt).Milliseconds()
		count++
	}
	if count == 0 {
		return 0, 0, nil
	}
	return sum / int64(count), count, nil
}

func (m *Memory) Transact(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &pipeline.TransactionError{Op: "begin", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:       m,
		batches: make(map[string]*pipeline.Batch),
		docs:    make(map[string]*pipeline.Document),
		records: make(map[recordKey]*pipeline.StageRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (m *Memory) Close() error { return nil }

// memTx stages writes in private maps until commit. Reads check the stage
// first so the transaction observes its own writes.
type memTx struct {
	m       *Memory
	batches map[string]*pipeline.Batch
	docs    map[string]*pipeline.Document
	records map[recordKey]*pipeline.StageRecord
}

func (t *memTx) apply() {
	for id, b := range t.batches {
		t.m.batches[id] = b
	}
	for id, d := range t.docs {
		t.m.docs[id] = d
	}
	for key, rec := range t.records {
		t.m.records[key] = rec
	}
}

func (t *memTx) GetBatchForUpdate(ctx context.Context, batchID string) (*pipeline.Batch, error) {
	if b, ok := t.batches[batchID]; ok {
		return cloneBatch(b), nil
	}
	b, ok := t.m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", pipeline.ErrNotFound, batchID)
	}
	return cloneBatch(b), nil
}

func (t *memTx) PutBatch(ctx context.Context, batch *pipeline.Batch) error {
	t.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (t *memTx) GetDocumentForUpdate(ctx context.Context, documentID string) (*pipeline.Document, error) {
	if d, ok := t.docs[documentID]; ok {
		return cloneDocument(d), nil
	}
	d, ok := t.m.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", pipeline.ErrNotFound, documentID)
	}
	return cloneDocument(d), nil
}

func (t *memTx) PutDocument(ctx context.Context, doc *pipeline.Document) error {
	t.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (t *memTx) ListDocuments(ctx context.Context, batchID string) ([]*pipeline.Document, error) {
	var out []*pipeline.Document
	for _, d := range t.overlayDocs() {
		if d.BatchID == batchID {
			out = append(out, cloneDocument(d))
		}
	}
	sortDocuments(out)
	return out, nil
}

func (t *memTx) BulkUpdateDocumentStatus(ctx context.Context, batchID string, from []pipeline.DocumentStatus, to pipeline.DocumentStatus, errorMessage string) (int, error) {
	fromSet := make(map[pipeline.DocumentStatus]bool, len(from))
	for _, s := range from {
		fromSet[s] = true
	}

	count := 0
	for _, d := range t.overlayDocs() {
		if d.BatchID != batchID || !fromSet[d.Status] {
			continue
		}
		updated := cloneDocument(d)
		updated.Status = to
		updated.ErrorMessage = errorMessage
		t.docs[updated.ID] = updated
		count++
	}
	return count, nil
}

func (t *memTx) GetStageRecord(ctx context.Context, documentID string, stage pipeline.Stage) (*pipeline.StageRecord, error) {
	key := recordKey{documentID: documentID, stage: stage}
	if rec, ok := t.records[key]; ok {
		return cloneRecord(rec), nil
	}
	rec, ok := t.m.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: stage record %s/%s", pipeline.ErrNotFound, documentID, stage)
	}
	return cloneRecord(rec), nil
}

func (t *memTx) PutStageRecord(ctx context.Context, rec *pipeline.StageRecord) error {
	t.records[recordKey{documentID: rec.DocumentID, stage: rec.Stage}] = cloneRecord(rec)
	return nil
}

func (t *memTx) ListStageRecords(ctx context.Context, documentID string) ([]*pipeline.StageRecord, error) {
	seen := make(map[pipeline.Stage]bool)
	var out []*pipeline.StageRecord
	for key, rec := range t.records {
		if key.documentID == documentID {
			out = append(out, cloneRecord(rec))
			seen[key.stage] = true
		}
	}
	for key, rec := range t.m.records {
		if key.documentID == documentID && !seen[key.stage] {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// overlayDocs merges the base document set with this transaction's staged
// writes.
func (t *memTx) overlayDocs() []*pipeline.Document {
	out := make([]*pipeline.Document, 0, len(t.m.docs)+len(t.docs))
	for id, d := range t.m.docs {
		if staged, ok := t.docs[id]; ok {
			out = append(out, staged)
			continue
		}
		out = append(out, d)
	}
	for id, d := range t.docs {
		if _, ok := t.m.docs[id]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func sortBatches(batches []*pipeline.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
}

func sortDocuments(docs []*pipeline.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
}

func sortRecords(recs []*pipeline.StageRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Stage.Order() < recs[j].Stage.Order()
	})
}

func cloneBatch(b *pipeline.Batch) *pipeline.Batch {
	out := *b
	if b.SkipStages != nil {
		out.SkipStages = append([]pipeline.Stage(nil), b.SkipStages...)
	}
	out.StartedAt = cloneTime(b.StartedAt)
	out.PausedAt = cloneTime(b.PausedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	return &out
}

func cloneDocument(d *pipeline.Document) *pipeline.Document {
	out := *d
	out.ProcessingStartedAt = cloneTime(d.ProcessingStartedAt)
	out.ProcessingEndedAt = cloneTime(d.ProcessingEndedAt)
	return &out
}

func cloneRecord(rec *pipeline.StageRecord) *pipeline.StageRecord {
	out := *rec
	out.StartedAt = cloneTime(rec.StartedAt)
	out.CompletedAt = cloneTime(rec.CompletedAt)
	if rec.Result != nil {
		out.Result = append([]byte(nil), rec.Result...)
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
