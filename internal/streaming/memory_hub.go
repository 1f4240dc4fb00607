package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch      chan Update
	filter  Filter
	dropped atomic.Uint64
}

// MemoryHub is an in-process Hub. A slow subscriber never blocks publishers:
// when its buffer is full the oldest queued update is dropped.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
}

// NewMemoryHub creates a MemoryHub whose subscriber channels hold buffer
// updates (64 when buffer <= 0).
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Publish sends u to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, u) {
			continue
		}
		if sendDropOldest(sub.ch, u) {
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Update, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan Update, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// AppendEvent publishes an event-log entry, so a hub can be passed to
// engine.WithEventAppender.
func (h *MemoryHub) AppendEvent(ctx context.Context, event *engine.Event) error {
	return h.Publish(context.WithoutCancel(ctx), Update{
		WorkflowID:  event.WorkflowID,
		ExecutionID: event.ExecutionID,
		Kind:        KindEvent,
		Event:       event,
	})
}

// Attach publishes every snapshot e emits from now on. The returned function
// detaches it.
func Attach(h Hub, e *engine.Engine) (detach func()) {
	return e.Subscribe(func(s schema.ExecutionState) {
		_ = h.Publish(context.Background(), Update{
			WorkflowID:  s.WorkflowID,
			ExecutionID: s.ExecutionID,
			Kind:        KindSnapshot,
			State:       &s,
		})
	})
}

// sendDropOldest delivers u without blocking, evicting queued updates until
// it fits. It reports whether anything was evicted.
func sendDropOldest[T any](ch chan T, v T) (dropped bool) {
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

func matchFilter(f Filter, u Update) bool {
	if f.WorkflowID != "" && f.WorkflowID != u.WorkflowID {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != u.ExecutionID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, u.Kind) {
		return false
	}
	if len(f.EventTypes) > 0 {
		if u.Event == nil || !slices.Contains(f.EventTypes, u.Event.Type) {
			return false
		}
	}
	return true
}
