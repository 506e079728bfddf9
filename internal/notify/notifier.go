// Package notify pushes ingestion events to the presentation layer: matched
// results, delta alerts, and unmatched-data arrivals are delivered to
// subscribers as they occur, and to browsers via server-sent events.
package notify

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Event kinds pushed to the UI.
const (
	EventResult    = "result"
	EventDelta     = "delta_alert"
	EventUnmatched = "unmatched"
	EventConnState = "connection_state"
)

// Event is one UI notification. Payload is any JSON-encodable value.
type Event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Notifier fans events out to any number of subscribers. Slow subscribers
// are skipped, never blocked on: the ingestion pipeline must not stall on a
// stuck browser.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	closed      bool
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]chan Event),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving events. The returned ID
// identifies the channel when unsubscribing.
func (n *Notifier) Subscribe() (string, chan Event) {
	id := randomID()
	ch := make(chan Event, 16)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return id, ch
	}
	n.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a channel from the list of subscribers.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subscribers[id]; ok {
		close(ch)
		delete(n.subscribers, id)
	}
}

// Publish delivers an event to every subscriber that can accept it without
// blocking.
func (n *Notifier) Publish(kind string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subscribers {
		select {
		case ch <- Event{Kind: kind, Payload: payload}:
		default:
			// full subscriber channel: drop rather than stall the pipeline
		}
	}
}

// Close shuts the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, id)
	}
}

// ServeSSE streams events to the client as server-sent events until the
// request context is cancelled.
func (n *Notifier) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, ch := n.Subscribe()
	defer n.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
