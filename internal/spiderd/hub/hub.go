// Package hub fans out execution-log updates to live observers. It is
// purely in-memory and best-effort: a restart loses all subscriptions and
// clients are expected to re-subscribe.
package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"spider-admin/internal/spiderd/events"
)

// subscriberBuffer bounds how far a slow observer may lag before events
// are dropped for it.
const subscriberBuffer = 16

type subscriber struct {
	ch     chan events.LogEvent
	closed bool
}

// Hub is a mutex-guarded registry of per-execution subscriber channels.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint]map[int]*subscriber
	nextID int
	log    zerolog.Logger
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[uint]map[int]*subscriber),
		log:  logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a live observer for one execution. The returned
// channel is closed when the observer cancels or when the execution
// reaches its terminal state and the final update has been delivered.
// Cancel is idempotent.
func (h *Hub) Subscribe(executionID uint) (<-chan events.LogEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	sub := &subscriber{ch: make(chan events.LogEvent, subscriberBuffer)}
	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[int]*subscriber)
	}
	h.subs[executionID][id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		group, ok := h.subs[executionID]
		if !ok {
			return
		}
		s, ok := group[id]
		if !ok {
			return
		}
		delete(group, id)
		if len(group) == 0 {
			delete(h.subs, executionID)
		}
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every current subscriber of the execution.
// Publishing with zero subscribers is a silent no-op. A subscriber whose
// buffer is full has the event dropped rather than blocking the caller.
func (h *Hub) Publish(executionID uint, ev events.LogEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs[executionID] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.log.Warn().Uint("execution_id", executionID).Msg("dropping log event for slow subscriber")
		}
	}
}

// CloseExecution removes every subscription for an execution after its
// final update has been published, closing the channels so observers see
// end-of-stream.
func (h *Hub) CloseExecution(executionID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.subs[executionID]
	if !ok {
		return
	}
	delete(h.subs, executionID)
	for _, s := range group {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
}

// SubscriberCount reports the live subscriptions for one execution.
func (h *Hub) SubscriberCount(executionID uint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executionID])
}
