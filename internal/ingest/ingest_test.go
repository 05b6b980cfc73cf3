package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/tracker"
)

func newIngestor(t *testing.T, st *store.Memory) (*Ingestor, *home.Dir) {
	t.Helper()
	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New: %v", err)
	}
	tr := tracker.New(tracker.Config{Store: st, Logger: slog.Default()})
	in := New(Config{Store: st, Tracker: tr, Home: dir, Logger: slog.Default()})
	return in, dir
}

func seedBatch(t *testing.T, st *store.Memory, status pipeline.BatchStatus, skip ...pipeline.Stage) *pipeline.Batch {
	t.Helper()
	ctx := context.Background()
	batch := pipeline.NewBatch("carton", "rotterdam", skip, false)
	batch.Status = status
	err := st.Transact(ctx, func(tx store.Tx) error {
		return tx.PutBatch(ctx, batch)
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return batch
}

func recordsByStage(t *testing.T, st *store.Memory, documentID string) map[pipeline.Stage]*pipeline.StageRecord {
	t.Helper()
	recs, err := st.ListStageRecords(context.Background(), documentID)
	if err != nil {
		t.Fatalf("ListStageRecords: %v", err)
	}
	out := make(map[pipeline.Stage]*pipeline.StageRecord, len(recs))
	for _, rec := range recs {
		out[rec.Stage] = rec
	}
	return out
}

// pngPayload is sniffable as image/png from its magic bytes.
func pngPayload() []byte {
	payload := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return append(payload, make([]byte, 64)...)
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		mimeType   string
		classified bool
	}{
		{"png", pngPayload(), "image/png", true},
		{"pdf header", []byte("%PDF-1.4 stub"), "application/pdf", true},
		{"plain text", []byte("freight manifest for rotterdam\n"), "text/plain", true},
		{"opaque binary", []byte{0x01, 0x02, 0x03, 0x04}, "application/octet-stream", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			insp := Inspect(tc.payload)
			if insp.MimeType != tc.mimeType {
				t.Errorf("mime type = %s, want %s", insp.MimeType, tc.mimeType)
			}
			if insp.Classified() != tc.classified {
				t.Errorf("classified = %v, want %v", insp.Classified(), tc.classified)
			}
		})
	}
}

func TestAttachClassifiedDocument(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, _ := newIngestor(t, st)
	batch := seedBatch(t, st, pipeline.BatchStatusPending)

	payload := pngPayload()
	doc, err := in.Attach(ctx, Request{BatchID: batch.ID, FileName: "seal.png", Payload: payload})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if doc.MimeType != "image/png" {
		t.Errorf("mime type = %s, want image/png", doc.MimeType)
	}
	if doc.Status != pipeline.DocumentStatusDetected {
		t.Errorf("document status = %s, want detected", doc.Status)
	}
	if doc.FileSize != int64(len(payload)) {
		t.Errorf("file size = %d, want %d", doc.FileSize, len(payload))
	}

	spooled, err := os.ReadFile(doc.SpoolPath)
	if err != nil {
		t.Fatalf("spool file: %v", err)
	}
	if !bytes.Equal(spooled, payload) {
		t.Error("spool file does not match the uploaded payload")
	}

	got, err := st.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalItems != 1 {
		t.Errorf("total items = %d, want 1", got.TotalItems)
	}

	recs := recordsByStage(t, st, doc.ID)
	if recs[pipeline.StageUpload].Status != pipeline.StageStatusCompleted {
		t.Errorf("upload status = %s, want completed", recs[pipeline.StageUpload].Status)
	}
	det := recs[pipeline.StageDetection]
	if det.Status != pipeline.StageStatusCompleted {
		t.Fatalf("detection status = %s, want completed", det.Status)
	}
	var res DetectionResult
	if err := json.Unmarshal(det.Result, &res); err != nil {
		t.Fatalf("detection result: %v", err)
	}
	if res.MimeType != "image/png" {
		t.Errorf("detection result mime type = %s, want image/png", res.MimeType)
	}
	if recs[pipeline.StageExtraction].Status != pipeline.StageStatusPending {
		t.Errorf("extraction status = %s, want pending", recs[pipeline.StageExtraction].Status)
	}
}

func TestAttachUnclassifiedLeavesDetectionOpen(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, _ := newIngestor(t, st)
	batch := seedBatch(t, st, pipeline.BatchStatusPending)

	doc, err := in.Attach(ctx, Request{
		BatchID:  batch.ID,
		FileName: "opaque.bin",
		Payload:  []byte{0x01, 0x02, 0x03, 0x04},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if doc.Status != pipeline.DocumentStatusPending {
		t.Errorf("document status = %s, want pending", doc.Status)
	}
	if doc.MimeType != "application/octet-stream" {
		t.Errorf("mime type = %s, want application/octet-stream", doc.MimeType)
	}

	recs := recordsByStage(t, st, doc.ID)
	if recs[pipeline.StageUpload].Status != pipeline.StageStatusCompleted {
		t.Errorf("upload status = %s, want completed", recs[pipeline.StageUpload].Status)
	}
	if recs[pipeline.StageDetection].Status != pipeline.StageStatusPending {
		t.Errorf("detection status = %s, want pending", recs[pipeline.StageDetection].Status)
	}
}

func TestAttachSkipAllSettlesDocument(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, _ := newIngestor(t, st)
	batch := seedBatch(t, st, pipeline.BatchStatusPending,
		pipeline.StageDetection, pipeline.StageExtraction, pipeline.StageMapping, pipeline.StageReview)

	doc, err := in.Attach(ctx, Request{BatchID: batch.ID, FileName: "seal.png", Payload: pngPayload()})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if doc.Status != pipeline.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed", doc.Status)
	}

	recs := recordsByStage(t, st, doc.ID)
	det := recs[pipeline.StageDetection]
	if det.Status != pipeline.StageStatusSkipped {
		t.Errorf("detection status = %s, want skipped", det.Status)
	}
	if det.Result != nil {
		t.Error("skipped detection should not carry an inspection result")
	}
	if recs[pipeline.StageCompletion].Status != pipeline.StageStatusCompleted {
		t.Errorf("completion status = %s, want completed", recs[pipeline.StageCompletion].Status)
	}

	got, err := st.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalItems != 1 || got.ProcessedItems != 1 {
		t.Errorf("counters = %d/%d processed, want 1/1", got.ProcessedItems, got.TotalItems)
	}
}

func TestAttachAccumulatesTotalItems(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, _ := newIngestor(t, st)
	batch := seedBatch(t, st, pipeline.BatchStatusPending)

	spools := make(map[string]bool)
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		doc, err := in.Attach(ctx, Request{BatchID: batch.ID, FileName: name, Payload: pngPayload()})
		if err != nil {
			t.Fatalf("Attach %s: %v", name, err)
		}
		spools[doc.SpoolPath] = true
	}

	if len(spools) != 3 {
		t.Errorf("got %d distinct spool paths, want 3", len(spools))
	}

	got, err := st.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalItems != 3 {
		t.Errorf("total items = %d, want 3", got.TotalItems)
	}

	docs, err := st.ListDocuments(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("got %d documents, want 3", len(docs))
	}
}

func TestAttachValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, _ := newIngestor(t, st)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing batch id", Request{FileName: "a.pdf", Payload: []byte("x")}, "batch_id"},
		{"missing file name", Request{BatchID: "b1", Payload: []byte("x")}, "file_name"},
		{"empty payload", Request{BatchID: "b1", FileName: "a.pdf"}, "file"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := in.Attach(ctx, tc.req)
			var verr *pipeline.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want validation error", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %s, want %s", verr.Field, tc.field)
			}
		})
	}
}

func TestAttachRequiresPendingBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, dir := newIngestor(t, st)
	batch := seedBatch(t, st, pipeline.BatchStatusProcessing)

	_, err := in.Attach(ctx, Request{BatchID: batch.ID, FileName: "late.png", Payload: pngPayload()})
	var terr *pipeline.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want invalid transition error", err)
	}
	if terr.Op != "attach to" {
		t.Errorf("op = %s, want attach to", terr.Op)
	}

	// The rejected payload must not linger in the spool.
	entries, err := os.ReadDir(dir.BatchSpoolDir(batch.ID))
	if err != nil {
		t.Fatalf("spool dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("spool has %d entries after rejected attach, want 0", len(entries))
	}

	got, err := st.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalItems != 0 {
		t.Errorf("total items = %d, want 0", got.TotalItems)
	}
}

func TestAttachUnknownBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	in, _ := newIngestor(t, st)

	_, err := in.Attach(ctx, Request{BatchID: "ghost", FileName: "a.png", Payload: pngPayload()})
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestInspectFile(t *testing.T) {
	path := t.TempDir() + "/seal.png"
	if err := os.WriteFile(path, pngPayload(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	insp, err := InspectFile(path)
	if err != nil {
		t.Fatalf("InspectFile: %v", err)
	}
	if insp.MimeType != "image/png" {
		t.Errorf("mime type = %s, want image/png", insp.MimeType)
	}

	if _, err := InspectFile(t.TempDir() + "/missing.bin"); err == nil {
		t.Error("expected error for missing file")
	}
}
