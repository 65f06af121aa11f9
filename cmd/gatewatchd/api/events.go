package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event stream message types.
const (
	EventTypeGateway = "gateway-event"
	EventTypeStatus  = "status"
	EventTypeAlert   = "alert"
)

// EventMessage is one message on the live event stream.
type EventMessage struct {
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// subscriberBuffer is the per-client queue depth. A slow client that
// falls this far behind starts losing messages.
const subscriberBuffer = 100

// Hub fans live messages out to SSE subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan EventMessage
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan EventMessage)}
}

// Publish delivers a message to every subscriber. Slow subscribers are
// skipped, never blocked on.
func (h *Hub) Publish(msg EventMessage) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *Hub) Subscribe() (string, <-chan EventMessage) {
	id := uuid.NewString()
	ch := make(chan EventMessage, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// EventsAPI handles the live event stream endpoint.
type EventsAPI struct {
	hub *Hub
}

// NewEventsAPI creates the events API handler.
func NewEventsAPI(hub *Hub) *EventsAPI {
	return &EventsAPI{hub: hub}
}

// HandleEvents handles GET /api/v1/events (Server-Sent Events).
func (a *EventsAPI) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := a.hub.Subscribe()
	defer a.hub.Unsubscribe(id)

	// Periodic comments keep intermediaries from closing an idle stream.
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case msg := <-ch:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
