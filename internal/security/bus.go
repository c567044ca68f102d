// Package security carries risk and anomaly events from the engine, the coordinator
// and the strategy units to their consumers (logs, storage, notifiers, live streams).
package security

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Handler consumes security events. Handlers run on the bus goroutine and should not
// block for long.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event models.SecurityEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	ID string
	Fn func(ctx context.Context, event models.SecurityEvent) error
}

func (h HandlerFunc) Name() string { return h.ID }

func (h HandlerFunc) Handle(ctx context.Context, event models.SecurityEvent) error {
	return h.Fn(ctx, event)
}

// DropCounter is notified of events dropped because the bus buffer was full.
type DropCounter interface {
	EventDropped()
	EventEmitted(kind string, severity string)
}

// Bus is a buffered, non-blocking event sink with fan-out to handlers and a bounded
// ring of recent events.
type Bus struct {
	events   chan models.SecurityEvent
	handlers []Handler
	log      *slog.Logger
	counter  DropCounter

	mu     sync.RWMutex
	recent []models.SecurityEvent
	keep   int

	dropped atomic.Int64
}

// NewBus creates a bus with the given buffer size and recent-event capacity.
func NewBus(buffer, keep int, log *slog.Logger, handlers ...Handler) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if keep <= 0 {
		keep = 200
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		events:   make(chan models.SecurityEvent, buffer),
		handlers: handlers,
		log:      log.With("component", "security"),
		keep:     keep,
	}
}

// SetCounter attaches a metrics counter. Call before Run.
func (b *Bus) SetCounter(c DropCounter) {
	b.counter = c
}

// Emit queues an event. It never blocks; events are dropped when the buffer is full.
func (b *Bus) Emit(event models.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.remember(event)
	if b.counter != nil {
		b.counter.EventEmitted(event.Type, string(event.Severity))
	}

	select {
	case b.events <- event:
	default:
		b.dropped.Add(1)
		if b.counter != nil {
			b.counter.EventDropped()
		}
		b.log.Warn("event buffer full, dropping event", "type", event.Type, "severity", event.Severity)
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Recent returns up to limit of the most recent events, newest first.
func (b *Bus) Recent(limit int) []models.SecurityEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.SecurityEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.recent[i])
	}
	return out
}

func (b *Bus) remember(event models.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append(b.recent, event)
	if len(b.recent) > b.keep {
		b.recent = b.recent[len(b.recent)-b.keep:]
	}
}

// Run dispatches queued events to every handler until ctx is cancelled, then drains
// what is left in the buffer.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-b.events:
					b.dispatch(context.Background(), event)
				default:
					return
				}
			}
		case event := <-b.events:
			b.dispatch(ctx, event)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event models.SecurityEvent) {
	for _, h := range b.handlers {
		if err := h.Handle(ctx, event); err != nil {
			b.log.Error("event handler failed", "handler", h.Name(), "type", event.Type, "err", err)
		}
	}
}

// NewEvent builds an event stamped with a fresh id and the given time.
func NewEvent(kind string, severity models.Severity, message string, at time.Time, metadata map[string]string) models.SecurityEvent {
	return models.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      kind,
		Severity:  severity,
		Message:   message,
		Timestamp: at,
		Metadata:  metadata,
	}
}
