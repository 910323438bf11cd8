package entry

import (
	"container/list"
	"sync"
)

// Queue is the bounded entry-message FIFO (spec.md §5): capacity 256,
// single producer (the entry enumerator), multiple consumers (the worker
// pool). Put blocks while full; Get blocks while empty; Close causes Get to
// drain remaining messages and then report ok=false, matching "a closed
// queue returns end-of-stream to all consumers after it drains."
type Queue struct {
	mu     sync.Mutex
	notEmpty, notFull *sync.Cond
	items  []Message
	cap    int
	closed bool
}

// NewQueue creates a bounded queue of the given capacity.
func NewQueue(capacity int) *Queue {
	q := &Queue{cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put enqueues msg, blocking while the queue is full. Consumers close the
// queue early on abort or failure, so Put on a closed queue releases msg
// and drops it: no new work is enqueued after Close.
func (q *Queue) Put(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.cap && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		msg.Release()
		return
	}
	q.items = append(q.items, msg)
	q.notEmpty.Signal()
}

// Get dequeues the next message. ok is false only once the queue is closed
// and drained.
func (q *Queue) Get() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return msg, true
}

// Close signals end-of-stream. Messages still queued stay available to Get
// until the queue drains; Close itself releases none of them. Drain
// releases residual messages that no Get will take.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Drain releases every residual message and empties the queue. Intended
// for teardown after Close, on an abort path where no more Gets will
// happen.
func (q *Queue) Drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, m := range items {
		m.Release()
	}
}

// Len reports the current queue depth, for diagnostics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// StorageQueue is the unbounded, single-consumer FIFO of storage messages
// (spec.md §5). Unlike Queue it never blocks Put; Get blocks only while
// empty and not yet closed. Modeled as a condvar-guarded linked list,
// mirroring the explicit mutex+condvar ring used by the teacher's
// pkg/storage/cache/writeback.go for its unbounded write-back buffer.
type StorageQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	closed bool
}

// NewStorageQueue creates an empty, open StorageQueue.
func NewStorageQueue() *StorageQueue {
	q := &StorageQueue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends msg; never blocks.
func (q *StorageQueue) Put(msg *StorageMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("entry: Put on closed storage queue")
	}
	q.items.PushBack(msg)
	q.cond.Signal()
}

// Get removes and returns the oldest message, blocking while empty. ok is
// false only once the queue is closed and drained.
func (q *StorageQueue) Get() (*StorageMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.(*StorageMessage), true
}

// Close signals end-of-stream to Get.
func (q *StorageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Drain releases every residual message (used when an abort/error leaves
// messages queued after Close — spec.md §4.4 "At run end the dispatcher
// drains the queue, purging indices and intermediate files for any
// messages that arrive after an abort/error").
func (q *StorageQueue) Drain() []*StorageMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*StorageMessage, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*StorageMessage))
	}
	q.items.Init()
	return out
}

// Len reports the current queue depth.
func (q *StorageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
