package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

// StatusEvent is one status transition as streamed to SSE clients.
type StatusEvent struct {
	EntityType models.EntityType `json:"entity_type"`
	Identifier string            `json:"identifier"`
	StatusType models.StatusType `json:"status_type"`
	ClassName  string            `json:"class_name"`
	AsOf       time.Time         `json:"as_of"`
}

// Subject returns the subscription key for the event's entity.
func (e StatusEvent) Subject() string {
	return fmt.Sprintf("%s.%s", e.EntityType, e.Identifier)
}

// SubjectAll subscribes a client to every status event in the fleet.
const SubjectAll = "*"

// Hub manages SSE client subscriptions and broadcasts status events
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan StatusEvent]struct{} // subject -> set of channels
	logger      *zap.Logger
	bufferSize  int
}

// NewHub creates a new broadcast hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan StatusEvent]struct{}),
		logger:      logger,
		bufferSize:  10, // Buffer to handle burst events
	}
}

// Subscribe creates a subscription for a subject (or SubjectAll) and returns
// a channel to receive events.
func (h *Hub) Subscribe(subject string) chan StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan StatusEvent, h.bufferSize)

	if h.subscribers[subject] == nil {
		h.subscribers[subject] = make(map[chan StatusEvent]struct{})
	}
	h.subscribers[subject][ch] = struct{}{}

	h.logger.Debug("client subscribed",
		zap.String("subject", subject),
		zap.Int("total_subscribers", len(h.subscribers[subject])),
	)

	return ch
}

// Unsubscribe removes a subscription.
func (h *Hub) Unsubscribe(subject string, ch chan StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscribers[subject]; ok {
		if _, exists := subs[ch]; exists {
			delete(subs, ch)
			close(ch)

			// Clean up empty subject entry
			if len(subs) == 0 {
				delete(h.subscribers, subject)
			}

			h.logger.Debug("client unsubscribed",
				zap.String("subject", subject),
			)
		}
	}
}

// Publish sends an event to subject subscribers and firehose subscribers.
// Non-blocking: drops events if a client buffer is full.
func (h *Hub) Publish(event StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.subscribers[event.Subject()], event)
	h.deliver(h.subscribers[SubjectAll], event)
}

func (h *Hub) deliver(subs map[chan StatusEvent]struct{}, event StatusEvent) {
	for ch := range subs {
		select {
		case ch <- event:
			// Event sent successfully
		default:
			// Buffer full, drop event (client is slow)
			h.logger.Warn("dropping event, client buffer full",
				zap.String("subject", event.Subject()),
				zap.String("status", string(event.StatusType)),
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a subject.
func (h *Hub) SubscriberCount(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if subs, ok := h.subscribers[subject]; ok {
		return len(subs)
	}
	return 0
}

// TotalSubscriberCount returns the total number of active subscribers.
func (h *Hub) TotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}
