package ports

import "github.com/TailGuy/opcbridge/internal/domain"

// RecordBuffer is the bounded, ordered delivery buffer owned by a single
// sink. Enqueue never blocks; when the buffer is full the oldest record is
// evicted and counted so loss is always observable.
type RecordBuffer interface {
	// Enqueue appends a record, evicting the oldest on overflow.
	// Returns true if an eviction happened.
	Enqueue(rec *domain.MeasurementRecord) bool
	// DequeueBatch removes and returns up to max records in FIFO order.
	DequeueBatch(max int) []*domain.MeasurementRecord
	// Requeue pushes records back to the front in their original order,
	// for replay after a failed delivery. Overflow still evicts oldest.
	Requeue(recs []*domain.MeasurementRecord)
	Len() int
	Cap() int
	Dropped() uint64
}
