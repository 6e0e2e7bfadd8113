package hub

import (
	"encoding/json"
	"sync"

	"adsync/internal/model"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Subscriber is one live stream connection for a user.
type Subscriber struct {
	UserID string
	Writer Writer
}

// Hub fans stream events out to every subscriber of a user. Subscribers
// whose writes fail are closed and dropped.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
}

func New() *Hub {
	return &Hub{subscribers: make(map[string]map[*Subscriber]struct{})}
}

func (h *Hub) Register(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[sub.UserID] == nil {
		h.subscribers[sub.UserID] = make(map[*Subscriber]struct{})
	}
	h.subscribers[sub.UserID][sub] = struct{}{}
}

func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subscribers[sub.UserID]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sub.UserID)
	}
}

// CloseAll closes and drops every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscriber
	for _, set := range h.subscribers {
		for s := range set {
			all = append(all, s)
		}
	}
	h.subscribers = make(map[string]map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, s := range all {
		_ = s.Writer.Close()
	}
}

// Publish delivers one stream event to every subscriber of the user.
func (h *Hub) Publish(userID string, event model.StreamEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.publish(userID, message)
}

// PublishAll delivers one stream event to every subscriber of every user.
func (h *Hub) PublishAll(event model.StreamEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	userIDs := make([]string, 0, len(h.subscribers))
	for userID := range h.subscribers {
		userIDs = append(userIDs, userID)
	}
	h.mu.RUnlock()

	for _, userID := range userIDs {
		h.publish(userID, message)
	}
}

func (h *Hub) publish(userID string, message []byte) {
	h.mu.RLock()
	set := h.subscribers[userID]
	subs := make([]*Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var failed []*Subscriber
	for _, s := range subs {
		if err := s.Writer.Write(message); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		_ = s.Writer.Close()
		h.Unregister(s)
	}
}
