// Package dispatch carries the fire-and-forget signal from a batch start
// to the pipeline runner. The producer side never waits on consumption:
// the batch transition commits whether or not the message is ever picked
// up, and delivery failures are logged by the caller, not propagated.
//
// Two backends exist: an in-process channel for single-binary mode and
// tests, and a Kafka backend for deployments where the runner is a
// separate process.
package dispatch

import (
	"context"
	"time"
)

// Message signals that a batch needs its documents driven through the
// pipeline. Start and resume both produce one.
type Message struct {
	BatchID    string    `json:"batch_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewMessage builds a message for one batch.
func NewMessage(batchID string) Message {
	return Message{BatchID: batchID, EnqueuedAt: time.Now().UTC()}
}

// Dispatcher is the producer side.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
	Close() error
}

// Handler consumes one dispatch message. Errors are the handler's own to
// log; the source does not retry.
type Handler func(ctx context.Context, msg Message) error

// Source is the consumer side. Consume blocks until ctx is cancelled.
type Source interface {
	Consume(ctx context.Context, handler Handler) error
}
