package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stockapp/crawlsync/internal/metrics"
	"github.com/stockapp/crawlsync/internal/models"
)

const defaultPublishTimeout = 2 * time.Second

var (
	// ErrDropped is returned when the queue stayed full for the whole publish timeout.
	ErrDropped = errors.New("job event dropped: queue full")

	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("job event bus closed")
)

// Bus is a bounded in-process queue decoupling job state changes from
// notification delivery. A slow consumer never blocks the tracker for longer
// than the publish timeout.
type Bus struct {
	ch      chan models.JobEvent
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus holding up to size pending events.
func NewBus(size int, timeout time.Duration, logger *slog.Logger, collector *metrics.Collector) *Bus {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Bus{
		ch:      make(chan models.JobEvent, size),
		timeout: timeout,
		logger:  logger,
		metrics: collector,
	}
}

// Publish enqueues event, waiting at most the publish timeout for space.
func (b *Bus) Publish(ctx context.Context, event models.JobEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.ch <- event:
		return nil
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		return nil
	case <-ctx.Done():
		b.drop(event)
		return ctx.Err()
	case <-timer.C:
		b.drop(event)
		return ErrDropped
	}
}

// Events returns the channel consumers read from. It is closed by Close.
func (b *Bus) Events() <-chan models.JobEvent {
	return b.ch
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Close stops accepting events and closes the consumer channel once
// in-flight publishes have returned.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

func (b *Bus) drop(event models.JobEvent) {
	b.metrics.EventDropped()
	b.logger.Error("dropping job event",
		"symbol", event.Symbol,
		"type", event.Type,
		"queued", len(b.ch))
}
