package hub

import (
	"log/slog"
	"sync"

	"roomchat/pkg/domain"
)

// TopicDirectory carries room-directory updates. Message channels use
// RoomTopic(roomID).
const TopicDirectory = "rooms"

// Event types.
const (
	EventRoomCreated = "room_created"
	EventMessage     = "message"
)

const subscriptionBuffer = 64

// RoomTopic names the message-channel topic for one room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// Event is one realtime update fanned out to topic subscribers.
type Event struct {
	Type    string          `json:"type"`
	Room    *domain.Room    `json:"room,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
}

// Hub fans events out to per-topic subscribers. Subscriptions are
// explicit resources: every Subscribe must be paired with Close, or the
// subscriber keeps receiving events for a view that no longer exists.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// Subscription is one live feed on a topic.
type Subscription struct {
	hub   *Hub
	topic string
	ch    chan Event
	once  sync.Once
}

// New initializes an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber on the topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		hub:   h,
		topic: topic,
		ch:    make(chan Event, subscriptionBuffer),
	}
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers the event to every current subscriber of the topic.
// Delivery never blocks: a subscriber whose buffer is full misses the
// event and is expected to resync from a fresh snapshot.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("hub subscriber lagging, dropping event", "topic", topic, "event", ev.Type)
		}
	}
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set := s.hub.subs[s.topic]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.topic)
			}
		}
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
