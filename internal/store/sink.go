package store

import (
	"context"
	"log/slog"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// snapshotBuffer bounds how far the writer may lag behind an engine. Older
// snapshots are dropped first; every snapshot is a full state, so only the
// newest one matters.
const snapshotBuffer = 16

// Sink persists engine activity. As an EventAppender it writes the event log;
// Attach makes it mirror an engine's snapshots into the execution tables.
type Sink struct {
	store  Store
	logger *slog.Logger
}

// NewSink creates a Sink writing to s.
func NewSink(s Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: s, logger: logger}
}

// AppendEvent writes event to the store's event log.
func (k *Sink) AppendEvent(ctx context.Context, event *engine.Event) error {
	return k.store.AppendEvent(ctx, event)
}

// Attach saves every snapshot e emits on a background writer, so store
// latency never stalls the run. The returned wait blocks until the terminal
// snapshot has been written.
func (k *Sink) Attach(e *engine.Engine) (wait func()) {
	sub := streaming.NewChannelSubscriber(snapshotBuffer)
	unsubscribe := e.Subscribe(sub.Callback())
	finished := make(chan struct{})

	save := func(s schema.ExecutionState) {
		if err := k.store.SaveSnapshot(context.Background(), s); err != nil {
			k.logger.Error("save snapshot failed",
				"execution_id", s.ExecutionID, "status", s.Status, "error", err)
		}
	}

	go func() {
		defer close(finished)
		defer sub.Close()
		defer unsubscribe()
		for {
			select {
			case s := <-sub.C():
				save(s)
			case <-e.Done():
				for {
					select {
					case s := <-sub.C():
						save(s)
					default:
						save(e.Snapshot())
						if n := sub.Dropped(); n > 0 {
							k.logger.Debug("snapshots coalesced", "execution_id", e.ExecutionID(), "dropped", n)
						}
						return
					}
				}
			}
		}
	}()

	return func() { <-finished }
}
