package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mini-subway-live/realtime/internal/models"
)

// Observer is notified about subscriber churn and dropped subscribers
type Observer interface {
	SubscribersChanged(n int)
	SubscriberDropped()
}

type subscriber struct {
	id   string
	ch   chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans snapshot and heartbeat events out to stream subscribers. Each
// subscriber has its own buffered queue; a subscriber whose queue is full is
// disconnected instead of blocking the others.
type Hub struct {
	buffer  int
	current func() models.TrainSnapshot
	now     func() time.Time

	mu       sync.RWMutex
	subs     map[string]*subscriber
	observer Observer
}

// NewHub creates a hub. current supplies the snapshot sent to each new
// subscriber on connect.
func NewHub(buffer int, current func() models.TrainSnapshot) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{
		buffer:  buffer,
		current: current,
		now:     time.Now,
		subs:    make(map[string]*subscriber),
	}
}

// SetObserver registers the churn observer
func (h *Hub) SetObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
}

// Subscribe registers a new subscriber. The channel is closed when the
// subscriber is removed.
func (h *Hub) Subscribe() (string, <-chan []byte) {
	s := &subscriber{
		id: uuid.NewString(),
		ch: make(chan []byte, h.buffer),
	}

	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	obs := h.observer
	h.mu.Unlock()

	if obs != nil {
		obs.SubscribersChanged(n)
	}
	return s.id, s.ch
}

// Unsubscribe removes a subscriber; unknown ids are ignored
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	obs := h.observer
	h.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	if obs != nil {
		obs.SubscribersChanged(n)
	}
}

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast pushes a trains event to every subscriber
func (h *Hub) Broadcast(snap models.TrainSnapshot) {
	h.publish(models.Event{Type: models.EventTrains, Data: snap})
}

// Heartbeat pushes a heartbeat event to every subscriber
func (h *Hub) Heartbeat() {
	h.publish(models.Event{Type: models.EventHeartbeat, Data: models.Heartbeat{Timestamp: h.now().UnixMilli()}})
}

// RunHeartbeat sends heartbeats at a fixed interval until ctx is cancelled
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Heartbeat()
		case <-ctx.Done():
			log.Println("Heartbeat loop stopped")
			return
		}
	}
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (h *Hub) publish(ev models.Event) {
	frame, err := encodeEvent(ev)
	if err != nil {
		log.Printf("Stream: failed to encode %s event: %v", ev.Type, err)
		return
	}

	var slow []string
	h.mu.RLock()
	for id, s := range h.subs {
		select {
		case s.ch <- frame:
		default:
			slow = append(slow, id)
		}
	}
	obs := h.observer
	h.mu.RUnlock()

	for _, id := range slow {
		log.Printf("Stream: dropping slow subscriber %s", id)
		h.Unsubscribe(id)
		if obs != nil {
			obs.SubscriberDropped()
		}
	}
}

// encodeEvent renders one Server-Sent Events frame
func encodeEvent(ev models.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload)), nil
}

// ServeHTTP streams events to one client until it disconnects or is dropped.
// The current snapshot is sent first so a reconnecting client is never empty.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, events := h.Subscribe()
	defer h.Unsubscribe(id)

	w.WriteHeader(http.StatusOK)
	if h.current != nil {
		frame, err := encodeEvent(models.Event{Type: models.EventTrains, Data: h.current()})
		if err == nil {
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case frame, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
