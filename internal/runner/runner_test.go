package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freightworks/docket/internal/batch"
	"github.com/freightworks/docket/internal/dispatch"
	"github.com/freightworks/docket/internal/executors"
	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/ingest"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/tracker"
)

type mockExtractor struct {
	mu     sync.Mutex
	res    executors.ExtractionResult
	err    error
	onCall func()
	docs   []string
}

func okExtractor() *mockExtractor {
	return &mockExtractor{res: executors.ExtractionResult{
		ExtractedText:    "bill of lading, acme forwarding nv",
		PageCount:        2,
		Confidence:       0.91,
		ProcessingTimeMs: 120,
	}}
}

func (m *mockExtractor) ExtractFile(ctx context.Context, documentID, fileName string, payload []byte) (*executors.ExtractionResult, error) {
	m.mu.Lock()
	m.docs = append(m.docs, documentID)
	m.mu.Unlock()
	if m.onCall != nil {
		m.onCall()
	}
	if m.err != nil {
		return nil, m.err
	}
	res := m.res
	return &res, nil
}

func (m *mockExtractor) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *mockExtractor) docIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.docs))
	copy(out, m.docs)
	return out
}

type mockMapper struct {
	mu    sync.Mutex
	res   executors.MappingResult
	err   error
	count int
}

func mapperWith(confidence float64) *mockMapper {
	return &mockMapper{res: executors.MappingResult{
		ForwarderID:   "fw-17",
		ForwarderCode: "ACME",
		ForwarderName: "Acme Forwarding",
		Confidence:    confidence,
		Method:        "fuzzy",
	}}
}

func (m *mockMapper) Identify(ctx context.Context, documentID, text string) (*executors.MappingResult, error) {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	res := m.res
	return &res, nil
}

func (m *mockMapper) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type upload struct {
	name    string
	payload []byte
}

// pngPayload is sniffable as image/png, so attach settles detection.
func pngPayload() []byte {
	payload := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return append(payload, make([]byte, 64)...)
}

type fixture struct {
	st        *store.Memory
	tr        *tracker.StageTracker
	ctrl      *batch.Controller
	extractor *mockExtractor
	mapper    *mockMapper
	batch     *pipeline.Batch
	docs      []*pipeline.Document
}

// newFixture builds a pending batch with the uploads attached. The real
// controller, tracker, and ingestor are wired; only the executors are
// mocked.
func newFixture(t *testing.T, uploads []upload) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	ctrl := batch.New(batch.Config{Store: st, Logger: slog.Default()})
	tr := tracker.New(tracker.Config{Store: st, Completer: ctrl, Logger: slog.Default()})

	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New: %v", err)
	}
	ing := ingest.New(ingest.Config{Store: st, Tracker: tr, Home: dir, Logger: slog.Default()})

	b, err := ctrl.Create(ctx, "augustus", "antwerp", nil, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f := &fixture{
		st:        st,
		tr:        tr,
		ctrl:      ctrl,
		extractor: okExtractor(),
		mapper:    mapperWith(0.95),
		batch:     b,
	}
	for _, up := range uploads {
		doc, err := ing.Attach(ctx, ingest.Request{BatchID: b.ID, FileName: up.name, Payload: up.payload})
		if err != nil {
			t.Fatalf("Attach %s: %v", up.name, err)
		}
		f.docs = append(f.docs, doc)
	}
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if _, err := f.ctrl.Start(context.Background(), f.batch.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) runner() *Runner {
	return New(Config{
		Store:     f.st,
		Tracker:   f.tr,
		Completer: f.ctrl,
		Extractor: f.extractor,
		Mapper:    f.mapper,
		Workers:   2,
		Logger:    slog.Default(),
	})
}

func (f *fixture) reload(t *testing.T) *pipeline.Batch {
	t.Helper()
	b, err := f.st.GetBatch(context.Background(), f.batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	return b
}

func (f *fixture) document(t *testing.T, id string) *pipeline.Document {
	t.Helper()
	doc, err := f.st.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	return doc
}

func (f *fixture) record(t *testing.T, documentID string, stage pipeline.Stage) *pipeline.StageRecord {
	t.Helper()
	recs, err := f.st.ListStageRecords(context.Background(), documentID)
	if err != nil {
		t.Fatalf("ListStageRecords: %v", err)
	}
	for _, rec := range recs {
		if rec.Stage == stage {
			return rec
		}
	}
	t.Fatalf("no %s record for document %s", stage, documentID)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcessBatchCompletesBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}, {"b.png", pngPayload()}})
	f.start(t)

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	b := f.reload(t)
	if b.Status != pipeline.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want completed", b.Status)
	}
	if b.ProcessedItems != 2 {
		t.Errorf("processed items = %d, want 2", b.ProcessedItems)
	}
	if b.CompletedAt == nil {
		t.Error("batch has no CompletedAt")
	}
	if f.extractor.calls() != 2 {
		t.Errorf("extractor calls = %d, want 2", f.extractor.calls())
	}

	for _, doc := range f.docs {
		got := f.document(t, doc.ID)
		if got.Status != pipeline.DocumentStatusCompleted {
			t.Errorf("document %s status = %s, want completed", doc.ID, got.Status)
		}

		extraction := f.record(t, doc.ID, pipeline.StageExtraction)
		if extraction.Status != pipeline.StageStatusCompleted {
			t.Errorf("extraction status = %s, want completed", extraction.Status)
		}
		var eres executors.ExtractionResult
		if err := json.Unmarshal(extraction.Result, &eres); err != nil {
			t.Fatalf("extraction result: %v", err)
		}
		if eres.ExtractedText != "bill of lading, acme forwarding nv" {
			t.Errorf("extracted text = %q", eres.ExtractedText)
		}

		review := f.record(t, doc.ID, pipeline.StageReview)
		if review.Status != pipeline.StageStatusCompleted {
			t.Errorf("review status = %s, want completed", review.Status)
		}
		var rres executors.ReviewResult
		if err := json.Unmarshal(review.Result, &rres); err != nil {
			t.Fatalf("review result: %v", err)
		}
		if rres.Decision != executors.DecisionAutoAccepted {
			t.Errorf("review decision = %s, want %s", rres.Decision, executors.DecisionAutoAccepted)
		}
		if rres.ForwarderID != "fw-17" {
			t.Errorf("review forwarder = %s, want fw-17", rres.ForwarderID)
		}

		completion := f.record(t, doc.ID, pipeline.StageCompletion)
		if completion.Status != pipeline.StageStatusCompleted {
			t.Errorf("completion status = %s, want completed", completion.Status)
		}
	}
}

func TestProcessBatchNeedsReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}})
	f.mapper = mapperWith(0.65)
	f.start(t)

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	docID := f.docs[0].ID
	doc := f.document(t, docID)
	if doc.Status != pipeline.DocumentStatusProcessing {
		t.Errorf("document status = %s, want processing", doc.Status)
	}
	if f.record(t, docID, pipeline.StageMapping).Status != pipeline.StageStatusCompleted {
		t.Error("mapping should be completed")
	}
	if f.record(t, docID, pipeline.StageReview).Status != pipeline.StageStatusPending {
		t.Error("review should stay pending for a human")
	}
	if b := f.reload(t); b.Status != pipeline.BatchStatusProcessing {
		t.Fatalf("batch status = %s, want processing", b.Status)
	}

	// A reviewer accepts through the stage tracker; the settle cascades
	// into batch completion.
	review, err := json.Marshal(executors.ReviewResult{
		Decision:    executors.DecisionAccepted,
		ForwarderID: "fw-17",
		Reviewer:    "klara",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := f.tr.Update(ctx, docID, pipeline.StageReview, pipeline.StageStatusCompleted, review, ""); err != nil {
		t.Fatalf("review update: %v", err)
	}

	if b := f.reload(t); b.Status != pipeline.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed after review", b.Status)
	}
	if doc := f.document(t, docID); doc.Status != pipeline.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed after review", doc.Status)
	}
}

func TestProcessBatchUnidentifiedFailsMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}})
	f.mapper = mapperWith(0.30)
	f.start(t)

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	docID := f.docs[0].ID
	doc := f.document(t, docID)
	if doc.Status != pipeline.DocumentStatusFailed {
		t.Fatalf("document status = %s, want failed", doc.Status)
	}
	if !strings.Contains(doc.ErrorMessage, "forwarder unidentified") {
		t.Errorf("document error = %q, want unidentified", doc.ErrorMessage)
	}

	mapping := f.record(t, docID, pipeline.StageMapping)
	if mapping.Status != pipeline.StageStatusFailed {
		t.Errorf("mapping status = %s, want failed", mapping.Status)
	}
	if mapping.Result == nil {
		t.Error("failed mapping should keep the service result for the audit trail")
	}

	b := f.reload(t)
	if b.Status != pipeline.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", b.Status)
	}
	if b.FailedItems != 1 {
		t.Errorf("failed items = %d, want 1", b.FailedItems)
	}
}

func TestProcessBatchExtractionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}})
	f.extractor.err = errors.New("ocr service unavailable")
	f.start(t)

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	docID := f.docs[0].ID
	doc := f.document(t, docID)
	if doc.Status != pipeline.DocumentStatusFailed {
		t.Fatalf("document status = %s, want failed", doc.Status)
	}
	if doc.ErrorMessage != "ocr service unavailable" {
		t.Errorf("document error = %q", doc.ErrorMessage)
	}
	if f.mapper.calls() != 0 {
		t.Errorf("mapper calls = %d, want 0 after extraction failure", f.mapper.calls())
	}
	if b := f.reload(t); b.FailedItems != 1 {
		t.Errorf("failed items = %d, want 1", b.FailedItems)
	}
}

func TestProcessBatchRetriesDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"opaque.bin", []byte{0x01, 0x02, 0x03, 0x04}}})

	// Attach could not classify this payload; give the retry a readable
	// copy in the spool.
	if err := os.WriteFile(f.docs[0].SpoolPath, pngPayload(), 0o644); err != nil {
		t.Fatalf("rewrite spool: %v", err)
	}
	f.start(t)

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	docID := f.docs[0].ID
	det := f.record(t, docID, pipeline.StageDetection)
	if det.Status != pipeline.StageStatusCompleted {
		t.Fatalf("detection status = %s, want completed", det.Status)
	}
	var res ingest.DetectionResult
	if err := json.Unmarshal(det.Result, &res); err != nil {
		t.Fatalf("detection result: %v", err)
	}
	if res.MimeType != "image/png" {
		t.Errorf("detection mime type = %s, want image/png", res.MimeType)
	}
	if doc := f.document(t, docID); doc.Status != pipeline.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed", doc.Status)
	}
}

func TestProcessBatchUnclassifiableDetectionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"opaque.bin", []byte{0x01, 0x02, 0x03, 0x04}}})
	f.start(t)

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	docID := f.docs[0].ID
	det := f.record(t, docID, pipeline.StageDetection)
	if det.Status != pipeline.StageStatusFailed {
		t.Fatalf("detection status = %s, want failed", det.Status)
	}
	if !strings.Contains(det.Error, "unrecognized content type") {
		t.Errorf("detection error = %q", det.Error)
	}
	if f.extractor.calls() != 0 {
		t.Errorf("extractor calls = %d, want 0", f.extractor.calls())
	}
	if doc := f.document(t, docID); doc.Status != pipeline.DocumentStatusFailed {
		t.Errorf("document status = %s, want failed", doc.Status)
	}
}

func TestProcessBatchHonorsPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}})
	f.start(t)

	// The batch pauses while extraction is in flight; the stage finishes
	// but the walk must not advance to mapping.
	f.extractor.onCall = func() {
		if _, err := f.ctrl.Pause(context.Background(), f.batch.ID); err != nil {
			t.Errorf("Pause: %v", err)
		}
	}

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	docID := f.docs[0].ID
	if b := f.reload(t); b.Status != pipeline.BatchStatusPaused {
		t.Fatalf("batch status = %s, want paused", b.Status)
	}
	if f.record(t, docID, pipeline.StageExtraction).Status != pipeline.StageStatusCompleted {
		t.Error("in-flight extraction should have finished")
	}
	if f.mapper.calls() != 0 {
		t.Errorf("mapper calls = %d, want 0 while paused", f.mapper.calls())
	}

	f.extractor.onCall = nil
	if _, err := f.ctrl.Resume(ctx, f.batch.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch after resume: %v", err)
	}

	if b := f.reload(t); b.Status != pipeline.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed after resume", b.Status)
	}
	if f.extractor.calls() != 1 {
		t.Errorf("extractor calls = %d, want 1 (no redo after resume)", f.extractor.calls())
	}
}

func TestProcessBatchSkipsSettledDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}, {"b.png", pngPayload()}})
	f.start(t)

	// The first document already failed in an earlier run.
	if _, err := f.tr.Update(ctx, f.docs[0].ID, pipeline.StageExtraction, pipeline.StageStatusFailed, nil, "ocr timeout"); err != nil {
		t.Fatalf("seed failure: %v", err)
	}

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	ids := f.extractor.docIDs()
	if len(ids) != 1 || ids[0] != f.docs[1].ID {
		t.Errorf("extractor ran for %v, want only %s", ids, f.docs[1].ID)
	}

	b := f.reload(t)
	if b.Status != pipeline.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", b.Status)
	}
	if b.ProcessedItems != 1 || b.FailedItems != 1 {
		t.Errorf("counters = %d processed / %d failed, want 1/1", b.ProcessedItems, b.FailedItems)
	}
}

func TestProcessBatchIgnoresNonProcessingBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []upload{{"a.png", pngPayload()}})

	if err := f.runner().ProcessBatch(ctx, f.batch.ID); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if f.extractor.calls() != 0 {
		t.Errorf("extractor calls = %d, want 0 for a pending batch", f.extractor.calls())
	}
	if b := f.reload(t); b.Status != pipeline.BatchStatusPending {
		t.Errorf("batch status = %s, want pending", b.Status)
	}
}

func TestProcessBatchUnknownBatch(t *testing.T) {
	f := newFixture(t, nil)
	err := f.runner().ProcessBatch(context.Background(), "ghost")
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestRunConsumesDispatch(t *testing.T) {
	f := newFixture(t, []upload{{"a.png", pngPayload()}})
	f.start(t)

	src := dispatch.NewChannel(4)
	r := New(Config{
		Store:     f.st,
		Tracker:   f.tr,
		Completer: f.ctrl,
		Source:    src,
		Extractor: f.extractor,
		Mapper:    f.mapper,
		Logger:    slog.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	if err := src.Dispatch(context.Background(), dispatch.NewMessage(f.batch.ID)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "batch completion", func() bool {
		b, err := f.st.GetBatch(context.Background(), f.batch.ID)
		return err == nil && b.Status == pipeline.BatchStatusCompleted
	})

	cancel()
	<-done
}
