package dispatch

import (
	"context"
	"errors"
	"sync"
)

// DefaultChannelBuffer is the queue depth of the in-process backend.
const DefaultChannelBuffer = 64

// ErrQueueFull is returned when the in-process queue cannot accept a
// message without blocking the producer.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrClosed is returned when dispatching after Close.
var ErrClosed = errors.New("dispatcher closed")

// Channel is the in-process backend. It implements both Dispatcher and
// Source.
type Channel struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates an in-process dispatcher with the given queue depth.
// A depth of zero uses DefaultChannelBuffer.
func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &Channel{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Dispatch enqueues without blocking. A full queue is an error for the
// caller to log; it never blocks a batch transition.
func (c *Channel) Dispatch(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume delivers queued messages to handler until ctx is cancelled or
// the channel is closed.
func (c *Channel) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case msg := <-c.ch:
			_ = handler(ctx, msg)
		}
	}
}

// Close stops the queue. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
