package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/progress"
)

// Sink delivers one named event to the subscriber. A returned error means
// the subscriber is unreachable and the session must end.
type Sink interface {
	Send(event string, payload any) error
}

// Controller is the slice of the batch controller the session uses for
// its done check. CompleteIfDone both finalizes a fully settled batch and
// returns the current batch either way.
type Controller interface {
	CompleteIfDone(ctx context.Context, batchID string) (*pipeline.Batch, error)
}

// Calculator produces batch progress snapshots.
type Calculator interface {
	Batch(ctx context.Context, batchID string) (*progress.Snapshot, error)
}

// session streams the progress of one batch to one subscriber. Three
// schedules run independently once open: the progress tick, the heartbeat
// tick, and the session deadline. A slow store read on a progress tick
// must never hold up a heartbeat, so each loop gets its own goroutine and
// writes are serialized at the sink.
type session struct {
	batchID string
	sink    Sink
	ctrl    Controller
	calc    Calculator
	logger  *slog.Logger

	progressInterval  time.Duration
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration

	mu     sync.Mutex // serializes sink writes and guards closed
	closed bool
	cancel context.CancelFunc
}

// run blocks until the session ends: batch terminal, batch gone, deadline
// reached, sink write failed, or ctx cancelled by the subscriber
// disconnecting. Every exit path runs the same cancel, so no timer
// outlives the session.
func (s *session) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	if !s.send(ctx, EventConnected, ConnectedEvent{BatchID: s.batchID, Timestamp: time.Now().UTC()}) {
		return nil
	}

	// Initial snapshot before any tick. A batch that is already terminal
	// ends the session here and no timer ever starts.
	if s.tick(ctx) {
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.progressLoop(ctx, &wg)
	go s.heartbeatLoop(ctx, &wg)

	deadline := time.NewTimer(s.sessionTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
	case <-deadline.C:
		s.sendFinal(ctx, EventTimeout, TimeoutEvent{
			Message:   "session deadline reached, reconnect to keep watching",
			Timestamp: time.Now().UTC(),
		})
	}
	wg.Wait()
	return nil
}

func (s *session) progressLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(s.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.tick(ctx) {
				s.cancel()
				return
			}
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.send(ctx, EventHeartbeat, HeartbeatEvent{Timestamp: time.Now().UTC()}) {
				return
			}
		}
	}
}

// tick runs one progress cycle and reports whether the session is done.
// The done check goes through the controller so a batch whose last
// document settled without a completion call still gets finalized.
func (s *session) tick(ctx context.Context) bool {
	b, err := s.ctrl.CompleteIfDone(ctx, s.batchID)
	if err != nil {
		return s.tickFailed(ctx, err)
	}
	snap, err := s.calc.Batch(ctx, s.batchID)
	if err != nil {
		return s.tickFailed(ctx, err)
	}

	if !s.send(ctx, EventProgress, snap) {
		return true
	}
	if b.Status.IsTerminal() {
		s.sendFinal(ctx, EventCompleted, CompletedEvent{FinalStatus: b.Status, Timestamp: time.Now().UTC()})
		return true
	}
	return false
}

// tickFailed ends the session only when the batch is gone. A transient
// store failure skips the tick and the next one retries; the heartbeat
// keeps the connection alive in between.
func (s *session) tickFailed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, pipeline.ErrNotFound) {
		s.sendFinal(ctx, EventError, ErrorEvent{Message: "batch no longer exists", Timestamp: time.Now().UTC()})
		return true
	}
	s.logger.Warn("progress tick failed", "batch_id", s.batchID, "error", err)
	return false
}

// send writes one event, dropping it when the session is already closed
// or the subscriber is gone. A write failure closes the session; the
// batch itself is unaffected.
func (s *session) send(ctx context.Context, event string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return false
	}
	if err := s.sink.Send(event, payload); err != nil {
		s.logger.Debug("status channel write failed", "batch_id", s.batchID, "event", event, "error", err)
		s.closed = true
		s.cancel()
		return false
	}
	return true
}

// sendFinal writes the session's last event and closes it. Once a final
// event is down, nothing else sends, whatever the goroutine interleaving.
func (s *session) sendFinal(ctx context.Context, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	defer s.cancel()
	if ctx.Err() != nil {
		return
	}
	if err := s.sink.Send(event, payload); err != nil {
		s.logger.Debug("status channel write failed", "batch_id", s.batchID, "event", event, "error", err)
	}
}
