package gasprice

import "math/big"

// queueEntry pairs an observed fee with its capture time in unix
// milliseconds.
type queueEntry struct {
	price *big.Int
	at    int64
}

// minQueue tracks the lowest fee observed per second over a bounded
// window. At most one entry exists per second: a fresh second pushes,
// a lower price within the same second overwrites the tail, anything
// else is dropped. The oldest entry is evicted once the window is full.
//
// Not safe for concurrent use; the manager serializes access.
type minQueue struct {
	entries  []queueEntry
	capacity int
}

func newMinQueue(capacity int) *minQueue {
	return &minQueue{capacity: capacity}
}

func (q *minQueue) record(price *big.Int, at int64) {
	price = new(big.Int).Set(price)

	if len(q.entries) == 0 || at-q.entries[len(q.entries)-1].at >= 1000 {
		q.entries = append(q.entries, queueEntry{price: price, at: at})
		if len(q.entries) > q.capacity {
			q.entries = q.entries[1:]
		}
		return
	}

	tail := &q.entries[len(q.entries)-1]
	if price.Cmp(tail.price) < 0 {
		tail.price = price
		tail.at = at
	}
}

// min returns the lowest recorded fee, or nil when nothing was recorded
// yet.
func (q *minQueue) min() *big.Int {
	if len(q.entries) == 0 {
		return nil
	}
	lowest := q.entries[0].price
	for _, e := range q.entries[1:] {
		if e.price.Cmp(lowest) < 0 {
			lowest = e.price
		}
	}
	return new(big.Int).Set(lowest)
}

func (q *minQueue) len() int {
	return len(q.entries)
}
