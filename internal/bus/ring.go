package bus

import (
	"sync"

	"cryptostream/internal/models"
)

// ring is a fixed-capacity FIFO that overwrites its oldest item when full.
type ring struct {
	mu   sync.Mutex
	buf  []models.Event
	head int
	size int

	// notify holds at most one pending wakeup for the reader.
	notify chan struct{}
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{
		buf:    make([]models.Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push appends ev and reports whether the oldest item was evicted.
func (r *ring) push(ev models.Event) (evicted bool) {
	r.mu.Lock()
	if r.size == len(r.buf) {
		r.buf[r.head] = ev
		r.head = (r.head + 1) % len(r.buf)
		evicted = true
	} else {
		r.buf[(r.head+r.size)%len(r.buf)] = ev
		r.size++
	}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (r *ring) pop() (models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil, false
	}
	ev := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return ev, true
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
