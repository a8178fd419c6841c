package box

import (
	"errors"
	"net"
	"sync"
)

// ErrAdmissionClosed is returned by Enqueue once the queue has been closed.
var ErrAdmissionClosed = errors.New("admission queue closed")

// AdmissionQueue is the bounded FIFO between the acceptor and the client
// workers.
//
// It is the server's only admission control. When every slot is taken the
// acceptor blocks in Enqueue and stops calling Accept, so excess clients
// wait in the kernel's listen backlog instead of being dropped.
//
// Thread safety:
// All methods are safe for concurrent use. Close wakes every blocked
// Enqueue and Dequeue.
type AdmissionQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	// ring buffer of pending connections
	buf   []net.Conn
	head  int
	count int

	closed bool
}

// NewAdmissionQueue creates a queue holding at most capacity connections.
// A capacity below 1 is treated as 1.
func NewAdmissionQueue(capacity int) *AdmissionQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &AdmissionQueue{buf: make([]net.Conn, capacity)}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends conn, blocking while the queue is full. Returns
// ErrAdmissionClosed if the queue is closed before a slot frees up; the
// caller still owns conn in that case.
func (q *AdmissionQueue) Enqueue(conn net.Conn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == len(q.buf) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrAdmissionClosed
	}

	q.buf[(q.head+q.count)%len(q.buf)] = conn
	q.count++
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes the oldest connection, blocking while the queue is empty.
// After Close it keeps returning queued connections until none remain, then
// returns ok == false.
func (q *AdmissionQueue) Dequeue() (conn net.Conn, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.count == 0 {
		return nil, false
	}

	conn = q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return conn, true
}

// Close stops the queue from accepting connections and wakes all waiters.
// Connections already queued remain available to Dequeue.
func (q *AdmissionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Len returns the number of queued connections.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *AdmissionQueue) Cap() int {
	return len(q.buf)
}
