// Package eventqueue is a small FIFO used by the config watcher to
// buffer filesystem events arriving faster than they can be debounced
// into reload triggers.
//
// Adapted from pkg/lib/queue (a singly linked, mutex guarded FIFO of
// interface{}); here specialized to fsnotify.Event so
// the watcher doesn't need type assertions, and with Front's missing
// lock acquisition fixed (the original read q.length outside the lock).
package eventqueue

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

type node struct {
	value fsnotify.Event
	next  *node
}

// Queue is a FIFO of fsnotify.Event, safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	front  *node
	back   *node
	length int
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends ev.
func (q *Queue) Enqueue(ev fsnotify.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := &node{value: ev}
	if q.length == 0 {
		q.front = n
		q.back = n
	} else {
		q.back.next = n
		q.back = n
	}
	q.length++
}

// Dequeue removes and returns the oldest event, if any.
func (q *Queue) Dequeue() (fsnotify.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == 0 {
		return fsnotify.Event{}, false
	}
	n := q.front
	q.front = n.next
	if q.front == nil {
		q.back = nil
	}
	q.length--
	return n.value, true
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}
