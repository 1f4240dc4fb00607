package streaming

import (
	"sync"
	"sync/atomic"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ChannelSubscriber adapts snapshot callbacks to a bounded channel. When the
// reader falls behind, the oldest buffered snapshot is dropped so the engine
// never blocks and the newest state is always delivered.
type ChannelSubscriber struct {
	mu      sync.Mutex
	closed  bool
	ch      chan schema.ExecutionState
	dropped atomic.Uint64
}

// NewChannelSubscriber creates an adapter holding up to buffer snapshots.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSubscriber{ch: make(chan schema.ExecutionState, buffer)}
}

// Callback returns the function to register with Engine.Subscribe. Once the
// subscriber is closed the callback discards snapshots.
func (c *ChannelSubscriber) Callback() engine.Subscriber {
	return func(s schema.ExecutionState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		if sendDropOldest(c.ch, s) {
			c.dropped.Add(1)
		}
	}
}

// C returns the receive side. Close closes it; snapshots buffered before
// that stay readable.
func (c *ChannelSubscriber) C() <-chan schema.ExecutionState { return c.ch }

// Dropped returns how many snapshots were evicted unread.
func (c *ChannelSubscriber) Dropped() uint64 { return c.dropped.Load() }

// Close closes the channel so a ranging reader terminates. Call it after
// unsubscribing from the engine. Close is idempotent.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
