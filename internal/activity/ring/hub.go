package ring

import (
	"errors"
	"sync"

	"github.com/smallbiznis/staykey/internal/activity/domain"
)

const (
	DefaultCapacity         = 200
	DefaultSubscriberBuffer = 16
)

var ErrHubUnavailable = errors.New("hub_unavailable")

// Hub keeps the most recent activity entries in a fixed-size ring and fans
// new entries out to live subscribers. Slow subscribers drop entries.
type Hub struct {
	mu               sync.Mutex
	buffer           []domain.Entry
	start            int
	size             int
	subs             map[uint64]chan domain.Entry
	nextID           uint64
	subscriberBuffer int
}

type Subscription struct {
	hub  *Hub
	id   uint64
	ch   chan domain.Entry
	once sync.Once
}

func NewHub() *Hub {
	return NewHubWithCapacity(DefaultCapacity)
}

func NewHubWithCapacity(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		buffer:           make([]domain.Entry, capacity),
		subs:             make(map[uint64]chan domain.Entry),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(entry domain.Entry) {
	if h == nil {
		return
	}

	h.mu.Lock()
	capacity := len(h.buffer)
	if h.size < capacity {
		h.buffer[(h.start+h.size)%capacity] = entry
		h.size++
	} else {
		h.buffer[h.start] = entry
		h.start = (h.start + 1) % capacity
	}
	subs := make([]chan domain.Entry, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Snapshot returns up to limit entries, oldest first. limit <= 0 returns all.
func (h *Hub) Snapshot(limit int) []domain.Entry {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(limit)
}

func (h *Hub) snapshotLocked(limit int) []domain.Entry {
	count := h.size
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]domain.Entry, 0, count)
	capacity := len(h.buffer)
	for i := h.size - count; i < h.size; i++ {
		out = append(out, h.buffer[(h.start+i)%capacity])
	}
	return out
}

func (h *Hub) Subscribe() (*Subscription, []domain.Entry, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan domain.Entry, h.subscriberBuffer)
	h.subs[id] = ch
	backlog := h.snapshotLocked(0)
	h.mu.Unlock()

	return &Subscription{hub: h, id: id, ch: ch}, backlog, nil
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan domain.Entry {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.id)
	})
}
