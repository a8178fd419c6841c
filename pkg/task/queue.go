package task

import (
	"sync"
	"time"
)

// Queue is an unbounded multi-producer, multi-consumer FIFO of tasks.
//
// Enqueue never blocks. Dequeue blocks while the queue is empty and open.
// After Close, remaining tasks are still handed out; Dequeue reports
// ok=false only once the queue is both closed and drained.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Task
	closed bool
}

// NewQueue creates an empty, open queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends t and wakes one waiting consumer.
// Returns ErrQueueClosed if the queue has been closed.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	t.enqueuedAt = time.Now()
	q.items = append(q.items, t)
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the oldest task, blocking while the queue is
// empty. ok is false when the queue is closed and empty.
func (q *Queue) Dequeue() (t *Task, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	t = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

// Close stops accepting tasks and wakes every waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
