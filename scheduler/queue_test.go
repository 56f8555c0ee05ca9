package scheduler

import (
	"testing"
	"time"
)

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()

	q.Enqueue(&Message{Priority: 1, Name: "low", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 9, Name: "high", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 5, Name: "medium", Timeout: time.Minute})

	for _, want := range []string{"high", "medium", "low"} {
		m := q.tryPop()
		if m == nil {
			t.Fatalf("Expected %s, queue empty", want)
		}
		if m.Name != want {
			t.Errorf("Expected %s, got %s", want, m.Name)
		}
	}
	if m := q.tryPop(); m != nil {
		t.Errorf("Expected empty queue, got %s", m.Name)
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue()

	q.Enqueue(&Message{Priority: 5, Name: "first", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 5, Name: "second", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 5, Name: "third", Timeout: time.Minute})

	for _, want := range []string{"first", "second", "third"} {
		m := q.tryPop()
		if m.Name != want {
			t.Errorf("Expected %s, got %s", want, m.Name)
		}
	}
}

func TestQueueSupersede(t *testing.T) {
	q := NewQueue()

	q.Enqueue(&Message{Priority: 8, Name: "plex-old", SupersedeTag: "plex", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 3, Name: "unrelated", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 8, Name: "plex-new", SupersedeTag: "plex", Timeout: time.Minute})

	if got := q.Len(); got != 2 {
		t.Fatalf("Expected 2 messages after supersede, got %d", got)
	}
	if m := q.tryPop(); m.Name != "plex-new" {
		t.Errorf("Expected plex-new first, got %s", m.Name)
	}
	if m := q.tryPop(); m.Name != "unrelated" {
		t.Errorf("Expected unrelated second, got %s", m.Name)
	}
}

func TestQueueSupersedeOnlyMatchingTag(t *testing.T) {
	q := NewQueue()

	q.Enqueue(&Message{Priority: 5, Name: "tagged-a", SupersedeTag: "a", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 5, Name: "tagged-b", SupersedeTag: "b", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 5, Name: "untagged", Timeout: time.Minute})
	q.Enqueue(&Message{Priority: 5, Name: "tagged-a2", SupersedeTag: "a", Timeout: time.Minute})

	if got := q.Len(); got != 3 {
		t.Fatalf("Expected 3 messages, got %d", got)
	}
	for _, m := range q.Snapshot() {
		if m.Name == "tagged-a" {
			t.Errorf("tagged-a should have been superseded")
		}
	}
}

func TestPopWaitBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Enqueue(&Message{Priority: 5, Name: "late", Timeout: time.Minute})
	}()

	start := time.Now()
	m := q.PopWait(1 * time.Second)
	if m == nil {
		t.Fatal("Expected a message, got nil")
	}
	if m.Name != "late" {
		t.Errorf("Expected late, got %s", m.Name)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("PopWait returned before the enqueue")
	}
}

func TestPopWaitTimeout(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	if m := q.PopWait(100 * time.Millisecond); m != nil {
		t.Fatalf("Expected nil on empty queue, got %s", m.Name)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("PopWait returned after %s, expected ~100ms", elapsed)
	}
}

func TestEnqueueAssignsSequenceAndTimestamp(t *testing.T) {
	q := NewQueue()

	a := &Message{Priority: 5, Name: "a", Timeout: time.Minute}
	b := &Message{Priority: 5, Name: "b", Timeout: time.Minute}
	q.Enqueue(a)
	q.Enqueue(b)

	if a.Seq >= b.Seq {
		t.Errorf("Expected a.Seq < b.Seq, got %d and %d", a.Seq, b.Seq)
	}
	if a.ScheduledAt.IsZero() || b.ScheduledAt.IsZero() {
		t.Error("Expected ScheduledAt to be assigned at enqueue")
	}

	// An explicit timestamp must survive, requeues depend on that.
	at := time.Now().Add(-time.Minute)
	c := &Message{Priority: 5, Name: "c", ScheduledAt: at, Timeout: 2 * time.Minute}
	q.Enqueue(c)
	if !c.ScheduledAt.Equal(at) {
		t.Errorf("Expected ScheduledAt %v preserved, got %v", at, c.ScheduledAt)
	}
}
