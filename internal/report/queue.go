// SPDX-License-Identifier: MIT

package report

import "sync"

// queue is a bounded FIFO of already-serialized report payloads, decoupling
// producers (Status/RestartRequest calls, heartbeat/stats tickers) from the
// rate the bus can actually publish at (spec.md §4.7).
//
// dropOldest queues discard the oldest queued item to make room for a new
// one — appropriate for heartbeat/stats, where only the latest snapshot
// matters. retain-all queues instead refuse the newest item once full,
// since status/restart history must not be silently rewritten.
type queue struct {
	mu         sync.Mutex
	cap        int
	dropOldest bool
	items      [][]byte

	notify chan struct{} // buffered 1; signals a drainer there's work
}

func newQueue(capacity int, dropOldest bool) *queue {
	return &queue{
		cap:        capacity,
		dropOldest: dropOldest,
		notify:     make(chan struct{}, 1),
	}
}

// push enqueues b, returning true if the item (or an older one, for
// dropOldest queues) was discarded due to the cap.
func (q *queue) push(b []byte) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.cap {
		if q.dropOldest {
			q.items = q.items[1:]
			dropped = true
		} else {
			q.mu.Unlock()
			return true
		}
	}
	q.items = append(q.items, b)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// drain removes and returns every currently queued item, in order.
func (q *queue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
