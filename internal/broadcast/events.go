package broadcast

import (
	"time"

	"github.com/freightworks/docket/internal/pipeline"
)

// Named events carried over the status channel. Progress events carry a
// *progress.Snapshot as their payload.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventHeartbeat = "heartbeat"
	EventCompleted = "completed"
	EventError     = "error"
	EventTimeout   = "timeout"
)

// ConnectedEvent opens every session.
type ConnectedEvent struct {
	BatchID   string    `json:"batch_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatEvent keeps idle connections alive through intermediaries.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// CompletedEvent is the last event of a session whose batch reached a
// terminal status.
type CompletedEvent struct {
	FinalStatus pipeline.BatchStatus `json:"final_status"`
	Timestamp   time.Time            `json:"timestamp"`
}

// ErrorEvent closes a session whose batch disappeared mid-stream.
type ErrorEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeoutEvent closes a session that reached its deadline; the subscriber
// is expected to reconnect.
type TimeoutEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
