package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/flapboard/flapboard/observability"
)

// messageHeap implements heap.Interface under the Message ordering: higher
// priority first, earlier seq breaking ties.
type messageHeap []*Message

func (h messageHeap) Len() int           { return len(h) }
func (h messageHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*Message))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}

// Queue is the shared priority queue of pending messages. Cron trigger
// goroutines and webhook request goroutines enqueue concurrently; the single
// worker is the only consumer.
type Queue struct {
	mu   sync.Mutex
	heap messageHeap

	// seq is the global monotonic enqueue counter, serialised under its own
	// lock so orderings hold across the heap filter.
	seqMu sync.Mutex
	seq   uint64

	// notify wakes a blocked PopWait after a push. Capacity 1: the signal
	// coalesces, and the single consumer re-checks the heap in a loop.
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue assigns the message its sequence number and timestamp and pushes
// it. If the message carries a supersede tag, all earlier queued messages
// with the same tag are removed in the same critical section, so no pop can
// observe both the old and the new message.
func (q *Queue) Enqueue(m *Message) {
	q.seqMu.Lock()
	m.Seq = q.seq
	q.seq++
	q.seqMu.Unlock()

	if m.ScheduledAt.IsZero() {
		m.ScheduledAt = time.Now()
	}

	q.mu.Lock()
	if m.SupersedeTag != "" {
		kept := q.heap[:0]
		removed := 0
		for _, queued := range q.heap {
			if queued.SupersedeTag == m.SupersedeTag {
				removed++
				continue
			}
			kept = append(kept, queued)
		}
		if removed > 0 {
			q.heap = kept
			heap.Init(&q.heap)
			observability.MessagesSuperseded.Add(float64(removed))
		}
	}
	heap.Push(&q.heap, m)
	depth := len(q.heap)
	q.mu.Unlock()

	observability.QueueDepth.Set(float64(depth))
	q.wake()
}

// requeue puts a message back without assigning a new sequence number or
// timestamp, preserving its position in the original ordering and its
// timeout clock.
func (q *Queue) requeue(m *Message) {
	q.mu.Lock()
	heap.Push(&q.heap, m)
	depth := len(q.heap)
	q.mu.Unlock()

	observability.QueueDepth.Set(float64(depth))
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// tryPop removes and returns the best message, or nil when empty.
func (q *Queue) tryPop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	m := heap.Pop(&q.heap).(*Message)
	observability.QueueDepth.Set(float64(len(q.heap)))
	return m
}

// PopWait removes and returns the best message, blocking up to timeout when
// the queue is empty. Single-consumer only.
func (q *Queue) PopWait(timeout time.Duration) *Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if m := q.tryPop(); m != nil {
			return m
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return nil
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// PeekPriority returns the priority of the best queued message.
func (q *Queue) PeekPriority() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].Priority, true
}

// Snapshot returns a copy of the queued messages for inspection. Order is
// heap order, not dispatch order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.heap))
	for i, m := range q.heap {
		out[i] = *m
	}
	return out
}
