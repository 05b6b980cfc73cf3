// Package broadcast streams batch progress to subscribers over a
// server-push channel. Each subscriber gets one session with an immediate
// connected event and snapshot, a periodic progress tick, a heartbeat,
// and a hard deadline after which the subscriber must reconnect. Sessions
// observe batches; they never outlive their subscriber and their failure
// never touches batch state.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default cadences for a status session.
const (
	DefaultProgressInterval  = time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSessionTimeout    = 5 * time.Minute
)

// Config holds dependencies and cadences for status sessions. Zero
// durations take the defaults.
type Config struct {
	Controller        Controller
	Calculator        Calculator
	ProgressInterval  time.Duration
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	Logger            *slog.Logger
}

// Hub opens status sessions and tracks how many are active.
type Hub struct {
	cfg Config

	mu     sync.Mutex
	active int
}

// NewHub creates a Hub, filling in default cadences.
func NewHub(cfg Config) *Hub {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{cfg: cfg}
}

// Serve runs one status session for batchID, writing events to sink until
// the session ends. Cancelling ctx is the subscriber disconnecting and
// stops every session timer on the spot.
func (h *Hub) Serve(ctx context.Context, batchID string, sink Sink) error {
	s := &session{
		batchID:           batchID,
		sink:              sink,
		ctrl:              h.cfg.Controller,
		calc:              h.cfg.Calculator,
		logger:            h.cfg.Logger,
		progressInterval:  h.cfg.ProgressInterval,
		heartbeatInterval: h.cfg.HeartbeatInterval,
		sessionTimeout:    h.cfg.SessionTimeout,
	}

	h.mu.Lock()
	h.active++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()

	return s.run(ctx)
}

// ActiveSessions reports how many subscribers are currently connected.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}
