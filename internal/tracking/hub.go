package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
)

const (
	EventStage    = "STAGE_CHANGED"
	EventLocation = "LOCATION_UPDATED"
	EventClosed   = "TRACKING_CLOSED"
)

type Event struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"request_id"`
	TechnicianID string        `json:"technician_id,omitempty"`
	Seq          uint64        `json:"seq"`
	Stage        models.Stage  `json:"stage"`
	Position     *models.Coord `json:"position,omitempty"`
	HeadingDeg   *float64      `json:"heading_deg,omitempty"`
	SpeedKmh     *float64      `json:"speed_kmh,omitempty"`
	ETASeconds   float64       `json:"eta_seconds"`
	Reason       string        `json:"reason,omitempty"`
	At           time.Time     `json:"at"`
}

// Sink receives every published event, e.g. a Kafka topic. It must not block.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Hub is the per-request publish/subscribe channel. Publication never
// waits on a subscriber: a full buffer drops the event for that
// subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	sinks  []Sink
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger, sinks ...Sink) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer, sinks: sinks, logger: logger}
}

// Subscribe returns the event stream for one request and a func that ends it.
// The channel is closed when the request's tracking ends.
func (h *Hub) Subscribe(requestID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[requestID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[requestID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[requestID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, requestID)
				}
			}
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		})
	}
}

func (h *Hub) Publish(ctx context.Context, e Event) {
	h.mu.RLock()
	for s := range h.subs[e.RequestID] {
		select {
		case s.ch <- e:
		default:
			observability.TrackingEventsDropped.Inc()
		}
	}
	h.mu.RUnlock()

	for _, sink := range h.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			h.logger.Warn("tracking sink publish failed", "request_id", e.RequestID, "error", err)
		}
	}
}

// Close ends every subscription of a request.
func (h *Hub) Close(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[requestID] {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	delete(h.subs, requestID)
}

func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}
