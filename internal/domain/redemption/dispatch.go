package redemption

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// eventBatch is one unit of work for the dispatcher. A batch with a non-nil
// flushed channel carries no events and only marks a position in the queue.
type eventBatch struct {
	ctx     context.Context
	events  []Event
	flushed chan struct{}
}

// publish hands committed events to the background dispatcher. It never
// blocks: when the queue is full the events are dropped and logged.
func (l *Ledger) publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	if _, ok := l.publisher.(nopPublisher); ok {
		return
	}
	l.startDispatch()

	lg := zctx.From(ctx)
	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	if l.closed {
		lg.Warn("Drop ledger events, publisher closed", zap.Int("count", len(events)))
		return
	}
	select {
	case l.queue <- eventBatch{ctx: context.WithoutCancel(ctx), events: events}:
	default:
		lg.Warn("Drop ledger events, queue full", zap.Int("count", len(events)))
	}
}

func (l *Ledger) startDispatch() {
	l.dispatchOnce.Do(func() { go l.dispatch() })
}

// dispatch delivers batches in commit order, each bounded by publishTimeout.
func (l *Ledger) dispatch() {
	defer close(l.stopped)
	for b := range l.queue {
		if b.flushed != nil {
			close(b.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(b.ctx, l.publishTimeout)
		if err := l.publisher.Publish(ctx, b.events...); err != nil {
			zctx.From(ctx).Warn("Publish ledger events",
				zap.Int("count", len(b.events)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Flush waits until every event queued before the call has been handed to
// the publisher.
func (l *Ledger) Flush(ctx context.Context) error {
	l.startDispatch()

	l.queueMu.RLock()
	if l.closed {
		l.queueMu.RUnlock()
		return l.waitStopped(ctx)
	}
	mark := make(chan struct{})
	select {
	case l.queue <- eventBatch{flushed: mark}:
	case <-ctx.Done():
		l.queueMu.RUnlock()
		return ctx.Err()
	}
	l.queueMu.RUnlock()

	select {
	case <-mark:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// Events published after Close are dropped.
func (l *Ledger) Close(ctx context.Context) error {
	l.startDispatch()

	l.queueMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.queueMu.Unlock()
	return l.waitStopped(ctx)
}

func (l *Ledger) waitStopped(ctx context.Context) error {
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
