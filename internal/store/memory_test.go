package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/freightworks/docket/internal/pipeline"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	batch := pipeline.NewBatch("roundtrip", "hamburg", nil, false)
	doc := pipeline.NewDocument(batch.ID, "invoice.pdf", 2048)

	err := m.Transact(ctx, func(tx Tx) error {
		if err := tx.PutBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.PutDocument(ctx, doc); err != nil {
			return err
		}
		return tx.PutStageRecord(ctx, &pipeline.StageRecord{
			DocumentID: doc.ID,
			Stage:      pipeline.StageReceived,
			Status:     pipeline.StageStatusCompleted,
		})
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}

	got, err := m.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Name != "roundtrip" || got.Status != pipeline.BatchStatusPending {
		t.Errorf("got batch %+v, want name=roundtrip status=pending", got)
	}

	docs, err := m.ListDocuments(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("ListDocuments returned %d docs, want the one created", len(docs))
	}

	recs, err := m.ListStageRecords(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ListStageRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Stage != pipeline.StageReceived {
		t.Fatalf("ListStageRecords = %+v, want one received record", recs)
	}
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetBatch(ctx, "nope"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("GetBatch error = %v, want ErrNotFound", err)
	}
	if _, err := m.GetDocument(ctx, "nope"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("GetDocument error = %v, want ErrNotFound", err)
	}
	err := m.Transact(ctx, func(tx Tx) error {
		_, err := tx.GetStageRecord(ctx, "nope", pipeline.StageUpload)
		return err
	})
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("GetStageRecord error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRollbackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batch := pipeline.NewBatch("doomed", "", nil, false)

	boom := errors.New("boom")
	err := m.Transact(ctx, func(tx Tx) error {
		if err := tx.PutBatch(ctx, batch); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transact error = %v, want boom", err)
	}

	if _, err := m.GetBatch(ctx, batch.ID); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("batch visible after rollback, err = %v", err)
	}
}

func TestMemoryTxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batch := pipeline.NewBatch("observant", "", nil, false)

	err := m.Transact(ctx, func(tx Tx) error {
		if err := tx.PutBatch(ctx, batch); err != nil {
			return err
		}
		got, err := tx.GetBatchForUpdate(ctx, batch.ID)
		if err != nil {
			return err
		}
		got.TotalItems = 3
		if err := tx.PutBatch(ctx, got); err != nil {
			return err
		}
		again, err := tx.GetBatchForUpdate(ctx, batch.ID)
		if err != nil {
			return err
		}
		if again.TotalItems != 3 {
			return fmt.Errorf("tx read TotalItems = %d, want 3", again.TotalItems)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}

	got, err := m.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalItems != 3 {
		t.Errorf("committed TotalItems = %d, want 3", got.TotalItems)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batch := pipeline.NewBatch("isolated", "", nil, false)

	if err := m.Transact(ctx, func(tx Tx) error {
		return tx.PutBatch(ctx, batch)
	}); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	got, _ := m.GetBatch(ctx, batch.ID)
	got.Name = "mutated"
	got.Status = pipeline.BatchStatusCancelled

	fresh, _ := m.GetBatch(ctx, batch.ID)
	if fresh.Name != "isolated" || fresh.Status != pipeline.BatchStatusPending {
		t.Errorf("store state changed through a returned copy: %+v", fresh)
	}
}

func TestMemoryBulkUpdateDocumentStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batch := pipeline.NewBatch("bulk", "", nil, false)

	statuses := []pipeline.DocumentStatus{
		pipeline.DocumentStatusPending,
		pipeline.DocumentStatusDetecting,
		pipeline.DocumentStatusDetected,
		pipeline.DocumentStatusProcessing,
		pipeline.DocumentStatusCompleted,
	}
	if err := m.Transact(ctx, func(tx Tx) error {
		if err := tx.PutBatch(ctx, batch); err != nil {
			return err
		}
		for i, status := range statuses {
			doc := pipeline.NewDocument(batch.ID, fmt.Sprintf("doc-%d.pdf", i), 100)
			doc.Status = status
			if err := tx.PutDocument(ctx, doc); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var moved int
	err := m.Transact(ctx, func(tx Tx) error {
		var err error
		moved, err = tx.BulkUpdateDocumentStatus(ctx, batch.ID,
			[]pipeline.DocumentStatus{
				pipeline.DocumentStatusPending,
				pipeline.DocumentStatusDetecting,
				pipeline.DocumentStatusDetected,
			},
			pipeline.DocumentStatusSkipped, "Batch cancelled by user")
		return err
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if moved != 3 {
		t.Errorf("bulk update moved %d documents, want 3", moved)
	}

	docs, _ := m.ListDocuments(ctx, batch.ID)
	var skipped, untouched int
	for _, d := range docs {
		switch d.Status {
		case pipeline.DocumentStatusSkipped:
			skipped++
			if d.ErrorMessage != "Batch cancelled by user" {
				t.Errorf("skipped doc message = %q", d.ErrorMessage)
			}
		case pipeline.DocumentStatusProcessing, pipeline.DocumentStatusCompleted:
			untouched++
		default:
			t.Errorf("doc left in status %s", d.Status)
		}
	}
	if skipped != 3 || untouched != 2 {
		t.Errorf("got %d skipped and %d untouched, want 3 and 2", skipped, untouched)
	}
}

func TestMemoryConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batch := pipeline.NewBatch("counter", "", nil, false)
	if err := m.Transact(ctx, func(tx Tx) error {
		return tx.PutBatch(ctx, batch)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = m.Transact(ctx, func(tx Tx) error {
				b, err := tx.GetBatchForUpdate(ctx, batch.ID)
				if err != nil {
					return err
				}
				b.TotalItems++
				return tx.PutBatch(ctx, b)
			})
		}()
	}
	wg.Wait()

	got, err := m.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalItems != workers {
		t.Errorf("TotalItems = %d after %d increments, want %d", got.TotalItems, workers, workers)
	}
}

func TestMemoryAverageBatchDuration(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	mk := func(city string, status pipeline.BatchStatus, dur time.Duration) *pipeline.Batch {
		b := pipeline.NewBatch("hist", city, nil, false)
		b.Status = status
		start := time.Now().UTC().Add(-dur)
		end := start.Add(dur)
		b.StartedAt = &start
		b.CompletedAt = &end
		return b
	}

	if err := m.Transact(ctx, func(tx Tx) error {
		for _, b := range []*pipeline.Batch{
			mk("antwerp", pipeline.BatchStatusCompleted, 10*time.Second),
			mk("antwerp", pipeline.BatchStatusCompleted, 20*time.Second),
			mk("antwerp", pipeline.BatchStatusFailed, time.Minute),
			mk("genoa", pipeline.BatchStatusCompleted, time.Hour),
		} {
			if err := tx.PutBatch(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	avg, count, err := m.AverageBatchDurationMs(ctx, "antwerp")
	if err != nil {
		t.Fatalf("AverageBatchDurationMs: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 (failed batches excluded)", count)
	}
	if avg != 15000 {
		t.Errorf("avg = %dms, want 15000", avg)
	}

	_, count, err = m.AverageBatchDurationMs(ctx, "oslo")
	if err != nil {
		t.Fatalf("AverageBatchDurationMs: %v", err)
	}
	if count != 0 {
		t.Errorf("count for unknown city = %d, want 0", count)
	}
}
