package events

import (
	"sync"

	"github.com/elskow/binder-build/internal/pipeline/types"
)

const subscriberBuffer = 16

// Hub fans build record snapshots out to subscribers of a build name.
// Slow subscribers drop intermediate snapshots; the latest one always
// replaces the oldest queued snapshot.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch   chan *types.BuildRecord
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe returns a channel of snapshots for name and a function that
// detaches it. The channel is closed when the subscription is detached.
func (h *Hub) Subscribe(name string) (<-chan *types.BuildRecord, func()) {
	sub := &subscription{ch: make(chan *types.BuildRecord, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	if h.subs[name] == nil {
		h.subs[name] = make(map[*subscription]struct{})
	}
	h.subs[name][sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		if set, ok := h.subs[name]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, name)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
}

// Publish sends a copy of record to every subscriber of record.Name.
func (h *Hub) Publish(record *types.BuildRecord) {
	if record == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[record.Name] {
		snapshot := record.Clone()
		select {
		case sub.ch <- snapshot:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}

// Close detaches every subscriber of name.
func (h *Hub) Close(name string) {
	h.mu.Lock()
	set := h.subs[name]
	delete(h.subs, name)
	h.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// Shutdown detaches all subscribers and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*subscription]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.close()
		}
	}
}

// Subscribers reports how many subscribers name has.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}
