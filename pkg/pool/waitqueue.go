package pool

import "time"

// waiter is a pending acquire blocked on a saturated pool. The channel is
// buffered so a hand-off never blocks the releaser. The settled flag is
// guarded by the pool mutex; it is flipped exactly once, by whichever of the
// hand-off, timeout, or close paths gets there first, so a timed-out waiter
// can never also receive a connection it believes it owns.
type waiter struct {
	ch         chan *PoolConnection
	enqueuedAt time.Time
	settled    bool
}

func newWaiter() *waiter {
	return &waiter{
		ch:         make(chan *PoolConnection, 1),
		enqueuedAt: time.Now(),
	}
}

// waitQueue is the FIFO list of pending acquires. All methods are called
// with the pool mutex held.
type waitQueue struct {
	waiters []*waiter
}

func (q *waitQueue) push(w *waiter) {
	q.waiters = append(q.waiters, w)
}

// pop removes and returns the oldest pending waiter, or nil if none remain.
func (q *waitQueue) pop() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	return w
}

// remove deregisters a specific waiter, reporting whether it was still
// enqueued. A waiter that has already been popped for hand-off is not found.
func (q *waitQueue) remove(target *waiter) bool {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the queue and returns the removed waiters in FIFO order.
func (q *waitQueue) drain() []*waiter {
	ws := q.waiters
	q.waiters = nil
	return ws
}

func (q *waitQueue) len() int {
	return len(q.waiters)
}
