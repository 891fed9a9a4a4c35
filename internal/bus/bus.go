// Package bus implements the in-process typed pub/sub that carries
// orchestration events to WebSocket broadcast, webhook delivery and the
// audit sink.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// Default sizing for the event queue and shutdown drain.
const (
	DefaultQueueSize    = 1024
	DefaultDrainTimeout = 5 * time.Second
)

// Event is a fully-formed orchestration event.
type Event struct {
	EventID    string           `json:"event_id"`
	Trigger    protocol.Trigger `json:"trigger"`
	WorkflowID string           `json:"workflow_id"`
	AgentID    string           `json:"agent_id,omitempty"`
	Payload    map[string]any   `json:"payload"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(trigger protocol.Trigger, workflowID, agentID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		EventID:    "evt_" + uuid.NewString()[:8],
		Trigger:    trigger,
		WorkflowID: workflowID,
		AgentID:    agentID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Handler receives events. Handlers for one event run concurrently with each
// other; a given handler observes events of one workflow in publication
// order.
type Handler func(Event)

// Bus is a multi-producer single-consumer event queue with parallel per-event
// fan-out. Publish never blocks: a full queue rejects the event with
// bus_overflow and the publisher decides what to do.
type Bus struct {
	mu       sync.RWMutex
	handlers map[protocol.Trigger][]Handler
	all      []Handler

	queue   chan Event
	done    chan struct{}
	closed  atomic.Bool
	aborted atomic.Bool
	dropped atomic.Int64

	drainTimeout time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the default queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithDrainTimeout overrides how long Shutdown waits for the queue to drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.drainTimeout = d
		}
	}
}

// New creates a bus and starts its worker.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:     make(map[protocol.Trigger][]Handler),
		queue:        make(chan Event, DefaultQueueSize),
		done:         make(chan struct{}),
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Subscribe registers a handler for one trigger. Not safe to call after
// Shutdown.
func (b *Bus) Subscribe(trigger protocol.Trigger, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[trigger] = append(b.handlers[trigger], h)
}

// SubscribeAll registers a handler for every trigger.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event. It fails with bus_overflow when the queue is
// full and with cancelled once the bus has shut down.
func (b *Bus) Publish(ev Event) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: bus is shut down", schema.ErrCancelled)
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		return fmt.Errorf("%w: queue full (%d), dropping %s", schema.ErrBusOverflow, cap(b.queue), ev.Trigger)
	}
}

// Emit publishes a freshly-built event and logs overflow instead of
// returning it; the engine treats overflow as non-fatal.
func (b *Bus) Emit(trigger protocol.Trigger, workflowID, agentID string, payload map[string]any) {
	if err := b.Publish(NewEvent(trigger, workflowID, agentID, payload)); err != nil {
		slog.Warn("bus.publish_failed", "trigger", trigger, "workflow_id", workflowID, "error", err)
	}
}

// run drains the queue in FIFO order. All handlers of one event complete
// before the next event dispatches, which preserves per-handler ordering.
func (b *Bus) run() {
	for ev := range b.queue {
		if b.aborted.Load() {
			b.dropped.Add(1)
			continue
		}
		b.dispatch(ev)
	}
	close(b.done)
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Trigger])+len(b.all))
	hs = append(hs, b.handlers[ev.Trigger]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus.handler_panic", "trigger", ev.Trigger, "event_id", ev.EventID, "panic", r)
				}
			}()
			h(ev)
		}(h)
	}
	wg.Wait()
}

// Shutdown stops accepting publishes and drains the queue up to the drain
// timeout, after which undelivered events are dropped with a warning.
func (b *Bus) Shutdown() {
	if b.closed.Swap(true) {
		return
	}
	close(b.queue)

	timer := time.NewTimer(b.drainTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.aborted.Store(true)
		<-b.done
	}
	if n := b.dropped.Load(); n > 0 {
		slog.Warn("bus.shutdown_dropped_events", "count", n)
	}
}
