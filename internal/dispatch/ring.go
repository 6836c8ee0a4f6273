package dispatch

import (
	"sync"

	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
)

// Ring is a bounded FIFO with drop-oldest overflow. One ring per sink;
// rings are never shared.
type Ring struct {
	mu      sync.Mutex
	items   []*domain.MeasurementRecord
	head    int // next read position
	size    int
	dropped uint64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{items: make([]*domain.MeasurementRecord, capacity)}
}

// Enqueue appends a record, evicting the oldest when full. Returns true if
// an eviction happened. Never blocks.
func (r *Ring) Enqueue(rec *domain.MeasurementRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if r.size == len(r.items) {
		r.head = (r.head + 1) % len(r.items)
		r.size--
		r.dropped++
		evicted = true
	}
	r.items[(r.head+r.size)%len(r.items)] = rec
	r.size++
	return evicted
}

// DequeueBatch removes up to max records in FIFO order.
func (r *Ring) DequeueBatch(max int) []*domain.MeasurementRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil
	}
	if max <= 0 || max > r.size {
		max = r.size
	}
	out := make([]*domain.MeasurementRecord, max)
	for i := 0; i < max; i++ {
		out[i] = r.items[r.head]
		r.items[r.head] = nil
		r.head = (r.head + 1) % len(r.items)
		r.size--
	}
	return out
}

// Requeue pushes records back at the front in their original order so a
// failed delivery can be replayed. If that overflows the capacity, the
// oldest records (the front of recs) are the ones shed, keeping the bound
// honest during a long outage.
func (r *Ring) Requeue(recs []*domain.MeasurementRecord) {
	if len(recs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.items)
	if over := len(recs) + r.size - n; over > 0 {
		if over >= len(recs) {
			r.dropped += uint64(len(recs))
			return
		}
		recs = recs[over:]
		r.dropped += uint64(over)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		r.head = (r.head - 1 + n) % n
		r.items[r.head] = recs[i]
		r.size++
	}
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring) Cap() int {
	return len(r.items)
}

// Dropped reports the cumulative eviction count for this buffer.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

var _ ports.RecordBuffer = (*Ring)(nil)
