// Package queue is the bounded FIFO that connects two pipeline stages.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/log"
	"github.com/cyclopcam/logs"
)

// Policy decides what happens when a full queue receives another buffer
type Policy int

const (
	Blocking Policy = iota // The producer waits for space
	Leaky                  // The oldest buffer is evicted
)

func (p Policy) String() string {
	if p == Leaky {
		return "leaky"
	}
	return "blocking"
}

// NoTimeout makes CheckTimestamp wait until a buffer arrives, or the queue is flushed
const NoTimeout time.Duration = -1

// Queue is a bounded FIFO of buffers.
//
// All waits are interruptible by Flush. A flushed queue still hands out the buffers that
// it holds, but once it is empty, Pop returns nil immediately, which is the end-of-stream signal.
type Queue struct {
	name     string
	capacity int
	policy   Policy
	warn     *log.Throttle

	mu      sync.Mutex
	items   []*frame.Buffer
	head    int
	count   int
	flushed bool
	changed chan struct{} // closed and replaced on every state change
	notify  chan<- struct{}

	dropped     atomic.Int64
	dropCounter *atomic.Int64
}

// New creates a queue. A capacity less than 1 is treated as 1.
func New(logger logs.Log, name string, capacity int, policy Policy) *Queue {
	capacity = max(capacity, 1)
	return &Queue{
		name:     name,
		capacity: capacity,
		policy:   policy,
		warn:     log.NewThrottle(logger, log.DefaultThrottleInterval),
		items:    make([]*frame.Buffer, capacity),
		changed:  make(chan struct{}),
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Capacity() int {
	return q.capacity
}

func (q *Queue) Policy() Policy {
	return q.policy
}

// Dropped returns the number of buffers evicted by the leaky policy
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// SetNotify registers a channel that receives a non-blocking signal whenever a buffer is
// pushed, or the queue is flushed. A stage that reads from several queues waits on it.
func (q *Queue) SetNotify(ch chan<- struct{}) {
	q.mu.Lock()
	q.notify = ch
	q.mu.Unlock()
}

// SetDropCounter registers an additional counter that is incremented for every evicted buffer
func (q *Queue) SetDropCounter(c *atomic.Int64) {
	q.mu.Lock()
	q.dropCounter = c
	q.mu.Unlock()
}

// Must be called with the lock held
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
	if q.notify != nil {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Must be called with the lock held
func (q *Queue) popLocked() *frame.Buffer {
	b := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	return b
}

// Must be called with the lock held
func (q *Queue) pushLocked(b *frame.Buffer) {
	q.items[(q.head+q.count)%q.capacity] = b
	q.count++
}

// Must be called with the lock held. Returns false if the deadline passed, or the queue was flushed.
// The lock is released while waiting.
func (q *Queue) waitLocked(until func() bool, timer <-chan time.Time) bool {
	for !until() {
		if q.flushed {
			return false
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
			q.mu.Lock()
		case <-timer:
			q.mu.Lock()
			return until()
		}
	}
	return true
}

// Push adds a buffer to the queue, taking ownership of it.
// A blocking queue waits for space. A leaky queue evicts and releases its oldest buffer.
// If the queue is flushed, the buffer is released and Push returns false.
func (q *Queue) Push(b *frame.Buffer) bool {
	var evicted *frame.Buffer
	q.mu.Lock()
	if q.policy == Blocking {
		q.waitLocked(func() bool { return q.count < q.capacity }, nil)
	} else if q.count == q.capacity && !q.flushed {
		evicted = q.popLocked()
		if q.dropCounter != nil {
			q.dropCounter.Add(1)
		}
	}
	if q.flushed {
		q.mu.Unlock()
		b.Release()
		return false
	}
	q.pushLocked(b)
	q.signal()
	q.mu.Unlock()

	if evicted != nil {
		n := q.dropped.Add(1)
		q.warn.Warnf("Queue %v full, dropped buffer %v (%v dropped so far)", q.name, evicted.ID, n)
		evicted.Release()
	}
	return true
}

// Pop removes and returns the oldest buffer, waiting for one if necessary.
// Returns nil once the queue is flushed and empty.
func (q *Queue) Pop() *frame.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.waitLocked(func() bool { return q.count != 0 }, nil) && q.count == 0 {
		return nil
	}
	b := q.popLocked()
	q.signal()
	return b
}

// TryPop returns the oldest buffer, or nil if the queue is empty
func (q *Queue) TryPop() *frame.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	b := q.popLocked()
	q.signal()
	return b
}

// CheckTimestamp returns the capture timestamp of the buffer at the head of the queue, without removing it.
// It waits up to 'timeout' for a buffer to arrive (or forever, if timeout is NoTimeout).
// Returns false if the wait timed out, or the queue was flushed while empty.
func (q *Queue) CheckTimestamp(timeout time.Duration) (int64, bool) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.waitLocked(func() bool { return q.count != 0 }, timer) && q.count == 0 {
		return 0, false
	}
	return q.items[q.head].CaptureTS, true
}

// Size returns the number of buffers in the queue
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Flush marks end-of-stream and wakes every waiter. Buffers already in the queue stay there.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.flushed = true
	q.signal()
	q.mu.Unlock()
}

func (q *Queue) IsFlushed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushed
}

// Drain removes all buffers from the queue and returns them. Ownership passes to the caller.
func (q *Queue) Drain() []*frame.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*frame.Buffer, 0, q.count)
	for q.count != 0 {
		out = append(out, q.popLocked())
	}
	q.signal()
	return out
}

// Reopen clears the end-of-stream flag, so that a stopped stage can be started again
func (q *Queue) Reopen() {
	q.mu.Lock()
	q.flushed = false
	q.mu.Unlock()
}
