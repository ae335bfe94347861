// Package stream fans accepted audit events out to live subscribers:
// in-process consumers, websocket dashboards, and (optionally) other
// processes via Redis.
package stream

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldline/audittrail/audit"
)

var (
	subscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_stream_subscribers",
		Help: "Live subscribers attached to the event hub.",
	})

	slowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_stream_slow_drops_total",
		Help: "Subscribers evicted because their buffer stayed full.",
	})
)

// Subscriber is one receiver on the hub. Its channel closes when it is
// unsubscribed or evicted.
type Subscriber struct {
	ch  chan audit.Event
	hub *Hub
}

func (s *Subscriber) Events() <-chan audit.Event {
	return s.ch
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the in-process publisher. Publish never blocks: a subscriber that
// cannot keep up is evicted rather than allowed to stall the pipeline.
// The hub is injected wherever events need to flow; there is no package
// level instance.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   map[*Subscriber]struct{}{},
		logger: logger,
	}
}

// Subscribe attaches a receiver with the given buffer. On a closed hub the
// returned subscriber's channel is already closed.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{ch: make(chan audit.Event, buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	subscriberGauge.Set(float64(len(h.subs)))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	subscriberGauge.Set(float64(len(h.subs)))
}

// Publish delivers to every subscriber that has room. Subscribers with a
// full buffer are evicted on the spot.
func (h *Hub) Publish(ev audit.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			slowDrops.Inc()
			h.logger.Warn("evicted slow audit stream subscriber")
		}
	}
	subscriberGauge.Set(float64(len(h.subs)))
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches everything and makes further publishes no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	subscriberGauge.Set(0)
}
