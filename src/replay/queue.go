package replay

import "sync/atomic"

// Queue is a bounded FIFO whose producers never block: an item offered to
// a full queue is rejected and counted as an overflow.
type Queue[T any] struct {
	items     chan T
	overflows *atomic.Uint64
}

func NewQueue[T any](capacity int, overflows *atomic.Uint64) *Queue[T] {
	return &Queue[T]{
		items:     make(chan T, capacity),
		overflows: overflows,
	}
}

func (q *Queue[T]) Offer(item T) bool {
	if q.TryOffer(item) {
		return true
	}
	q.overflows.Add(1)
	return false
}

// TryOffer is Offer for a retry of an item already counted as an overflow.
func (q *Queue[T]) TryOffer(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Items is the consuming end of the queue.
func (q *Queue[T]) Items() <-chan T {
	return q.items
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Drain discards everything currently queued and reports how much it
// dropped.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			return n
		}
	}
}
