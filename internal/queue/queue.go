// Package queue implements the bounded, blocking packet FIFO that sits
// between the demux coordinator and each consumer pipeline.
//
// Capacity and the policy of blocking at capacity are separate: a producer
// only waits on a full queue while both blocking and block-when-full are
// enabled. With block-when-full disabled the queue accepts pushes past its
// capacity, which lets the coordinator keep reading for a starved sibling
// queue instead of parking on this one.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/zsiec/avfeed/internal/media"
)

// EmptyListener is notified when a Take leaves the queue empty.
type EmptyListener interface {
	QueueEmptied(q *Queue)
}

// EmptyListenerFunc adapts a function to an EmptyListener.
type EmptyListenerFunc func(q *Queue)

// QueueEmptied calls f(q).
func (f EmptyListenerFunc) QueueEmptied(q *Queue) { f(q) }

// Stats is a point-in-time snapshot of queue counters and flags.
type Stats struct {
	Len        int   `json:"len"`
	Cap        int   `json:"cap"`
	Threshold  int   `json:"threshold"`
	Blocking   bool  `json:"blocking"`
	BlockFull  bool  `json:"blockFull"`
	Closed     bool  `json:"closed"`
	Puts       int64 `json:"puts"`
	Takes      int64 `json:"takes"`
	Overflows  int64 `json:"overflows"`
	Cleared    int64 `json:"cleared"`
	EndMarkers int64 `json:"endMarkers"`
	Rejected   int64 `json:"rejected"`
}

// Queue is a bounded FIFO of packets. All methods are safe for concurrent
// use. The zero value is not usable; call New.
type Queue struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	items     []media.Packet
	capacity  int
	threshold int
	blocking  bool
	blockFull bool
	closed    bool
	listener  EmptyListener

	puts       atomic.Int64
	takes      atomic.Int64
	overflows  atomic.Int64
	cleared    atomic.Int64
	endMarkers atomic.Int64
	rejected   atomic.Int64
}

// New creates a queue holding up to capacity packets before a producer
// blocks. IsEnough reports true once the queue holds threshold packets.
// Blocking and block-when-full both start enabled.
func New(capacity, threshold int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if threshold < 0 {
		threshold = 0
	}
	if threshold > capacity {
		threshold = capacity
	}
	q := &Queue{
		capacity:  capacity,
		threshold: threshold,
		blocking:  true,
		blockFull: true,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends pkt. A regular packet waits while the queue is full and both
// blocking and block-when-full are enabled; end markers never wait.
// Put returns false if the queue has been closed.
func (q *Queue) Put(pkt media.Packet) bool {
	q.mu.Lock()
	if !pkt.End {
		for q.blocking && q.blockFull && !q.closed && len(q.items) >= q.capacity {
			q.notFull.Wait()
		}
	}
	if q.closed {
		q.mu.Unlock()
		q.rejected.Add(1)
		return false
	}
	q.items = append(q.items, pkt)
	overflow := !pkt.End && len(q.items) > q.capacity
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	q.puts.Add(1)
	if pkt.End {
		q.endMarkers.Add(1)
	}
	if overflow {
		q.overflows.Add(1)
	}
	return true
}

// Take removes and returns the oldest packet. On an empty queue it waits
// for a Put while blocking is enabled and the queue is open; otherwise it
// returns false. A Take that leaves the queue empty notifies the empty
// listener once, after the queue lock is released.
func (q *Queue) Take() (media.Packet, bool) {
	q.mu.Lock()
	for len(q.items) == 0 && q.blocking && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return media.Packet{}, false
	}

	pkt := q.items[0]
	q.items[0] = media.Packet{}
	q.items = q.items[1:]
	emptied := len(q.items) == 0
	if emptied {
		q.items = nil
	}
	l := q.listener
	q.notFull.Broadcast()
	q.mu.Unlock()

	q.takes.Add(1)
	if emptied && l != nil {
		l.QueueEmptied(q)
	}
	return pkt, true
}

// Clear discards every queued packet. Flags are left untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.items)
	clear(q.items)
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()

	q.cleared.Add(int64(n))
}

// SetBlockFull toggles whether a producer waits on a full queue.
func (q *Queue) SetBlockFull(block bool) {
	q.mu.Lock()
	q.blockFull = block
	if !block {
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
}

// SetBlocking toggles all waiting. Disabling it wakes every suspended
// producer and consumer.
func (q *Queue) SetBlocking(block bool) {
	q.mu.Lock()
	q.blocking = block
	if !block {
		q.notFull.Broadcast()
		q.notEmpty.Broadcast()
	}
	q.mu.Unlock()
}

// Close rejects further packets. Queued packets can still be taken; once
// drained, Take returns false without waiting.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Open reverses Close and re-enables blocking.
func (q *Queue) Open() {
	q.mu.Lock()
	q.closed = false
	q.blocking = true
	q.mu.Unlock()
}

// Closed reports whether Close has been called since the last Open.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// SetEmptyListener registers l for empty transitions. A nil l unregisters.
func (q *Queue) SetEmptyListener(l EmptyListener) {
	q.mu.Lock()
	q.listener = l
	q.mu.Unlock()
}

// IsEnough reports whether the queue holds at least its threshold.
func (q *Queue) IsEnough() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.threshold
}

// IsFull reports whether the queue is at or past capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// IsEmpty reports whether the queue holds no packets.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// BlockFull reports the block-when-full flag.
func (q *Queue) BlockFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blockFull
}

// Stats returns a snapshot of the queue's counters and flags.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		Len:       len(q.items),
		Cap:       q.capacity,
		Threshold: q.threshold,
		Blocking:  q.blocking,
		BlockFull: q.blockFull,
		Closed:    q.closed,
	}
	q.mu.Unlock()

	s.Puts = q.puts.Load()
	s.Takes = q.takes.Load()
	s.Overflows = q.overflows.Load()
	s.Cleared = q.cleared.Load()
	s.EndMarkers = q.endMarkers.Load()
	s.Rejected = q.rejected.Load()
	return s
}
