// Package outbound fans canonical snapshots out to external consumers.
package outbound

import (
	"context"
	"sync"

	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	"trade_gateway/pkg/concurrency"
	"trade_gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

const defaultBuffer = 4096

// Sink consumes every published event in publish order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.OutboundEvent) error
}

// Subscriber is a live consumer with its own bounded queue
type Subscriber struct {
	id     string
	events chan model.OutboundEvent
	mu     sync.Mutex
	closed bool
}

func newSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	return &Subscriber{id: id, events: make(chan model.OutboundEvent, buffer)}
}

func (s *Subscriber) ID() string { return s.id }

// Events returns the receive side of the subscriber queue. It is closed when
// the subscriber is removed or the hub stops.
func (s *Subscriber) Events() <-chan model.OutboundEvent {
	return s.events
}

// offer never blocks
func (s *Subscriber) offer(ev model.OutboundEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Hub accepts events from any number of gateways. Publish never blocks; a full
// queue drops the event and counts it.
type Hub struct {
	in     chan model.OutboundEvent
	pool   *concurrency.WorkerPool
	logger core.ILogger

	mu    sync.RWMutex
	subs  map[*Subscriber]struct{}
	sinks []Sink

	done chan struct{}
}

// NewHub creates a hub delivering to sinks on pool.
func NewHub(buffer int, pool *concurrency.WorkerPool, logger core.ILogger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		in:     make(chan model.OutboundEvent, buffer),
		pool:   pool,
		logger: logger.WithField("component", "outbound_hub"),
		subs:   make(map[*Subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

// Publish implements core.IOutbound
func (h *Hub) Publish(ev model.OutboundEvent) {
	select {
	case h.in <- ev:
	default:
		h.dropped(ev, "hub")
	}
}

func (h *Hub) dropped(ev model.OutboundEvent, who string) {
	m := telemetry.GetGlobalMetrics()
	m.AddCounter(context.Background(), m.OutboundDropped, ev.Venue, attribute.String("consumer", who))
	h.logger.Warn("Outbound event dropped", "consumer", who, "kind", string(ev.Kind), "venue", ev.Venue, "id", ev.ID)
}

// AddSink registers a sink. Sinks added after Run started see only later events.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

func (h *Hub) Subscribe(id string, buffer int) *Subscriber {
	s := newSubscriber(id, buffer)
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info("Subscriber registered", "subscriber", id, "total", n)
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Done is closed once Run has drained and returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run distributes events until ctx is cancelled, then drains what was already
// queued and closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-h.in:
					h.distribute(context.Background(), ev)
				default:
					h.closeAll()
					return
				}
			}
		case ev := <-h.in:
			h.distribute(ctx, ev)
		}
	}
}

func (h *Hub) distribute(ctx context.Context, ev model.OutboundEvent) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.offer(ev) {
			h.dropped(ev, s.id)
		}
	}

	// Sinks run in parallel with each other but each sees events in order.
	var wg sync.WaitGroup
	for _, sink := range sinks {
		sink := sink
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := sink.Deliver(ctx, ev); err != nil {
				h.logger.Error("Outbound sink failed", "sink", sink.Name(), "id", ev.ID, "error", err)
			}
		}
		if h.pool == nil {
			task()
			continue
		}
		if err := h.pool.Submit(task); err != nil {
			wg.Done()
			h.dropped(ev, sink.Name())
		}
	}
	wg.Wait()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for s := range h.subs {
		s.close()
		delete(h.subs, s)
	}
	h.mu.Unlock()
}
