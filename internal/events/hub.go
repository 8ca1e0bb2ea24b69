package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Notification is a lifecycle notice fanned out to streaming subscribers
// after a transition has happened. Listeners never see these.
type Notification struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	StageID string          `json:"stage_id,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// Hub fans lifecycle notifications out to event-stream subscribers and
// keeps the most recent ones so a reconnecting client can resume by id.
// A nil *Hub accepts and drops every notification.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Notification
	start int
	size  int

	subs      map[int]chan Notification
	nextSubID int
}

const (
	defaultHubCapacity = 100
	subscriberBuffer   = 64
)

// NewHub creates a hub that retains the last capacity notifications for
// replay. A non-positive capacity selects the default of 100.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultHubCapacity
	}
	return &Hub{
		ring: make([]Notification, capacity),
		subs: make(map[int]chan Notification),
	}
}

// Publish records a notification of type typ for stageID.
func (h *Hub) Publish(typ, stageID string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	n := Notification{
		ID:      id,
		Type:    typ,
		StageID: stageID,
		At:      time.Now().UTC(),
		Data:    payload,
	}

	h.mu.Lock()
	h.pushLocked(n)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- n:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of notifications published from now on and a
// cancel func that unsubscribes and closes it. A subscriber that falls more
// than 64 notifications behind misses the overflow; it can catch up with
// SnapshotSince.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Notification, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered notifications with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Notification, 0, h.size)
	for i := 0; i < h.size; i++ {
		n := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || n.ID > lastID {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) pushLocked(n Notification) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = n
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = n
	h.start = (h.start + 1) % capacity
}
