package world

import (
	"sync"
	"sync/atomic"

	"cubicworld.io/internal/sim/world/terrain/stream"
)

// hub fans streamer events out to fixed sinks and to live subscribers.
type hub struct {
	sinks []stream.EventSink

	mu     sync.RWMutex
	next   int
	subs   map[int]chan stream.Event
	closed bool

	dropped atomic.Uint64
}

func newHub(sinks ...stream.EventSink) *hub {
	h := &hub{subs: map[int]chan stream.Event{}}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	return h
}

func (h *hub) ChunkEvent(e stream.Event) {
	for _, s := range h.sinks {
		s.ChunkEvent(e)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) subscribe(buffer int) (<-chan stream.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan stream.Event, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
