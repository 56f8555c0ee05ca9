package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.MinHold = 30 * time.Millisecond
	return cfg
}

func TestSignalSetWaitClear(t *testing.T) {
	s := NewSignal()

	if s.Wait(10 * time.Millisecond) {
		t.Error("Expected no signal")
	}

	// A set while nobody waits stays pending.
	s.Set()
	s.Set() // coalesces
	if !s.Wait(10 * time.Millisecond) {
		t.Error("Expected pending signal to be observed")
	}
	if s.Wait(10 * time.Millisecond) {
		t.Error("Expected signal consumed by the first Wait")
	}

	s.Set()
	s.Clear()
	if s.Wait(10 * time.Millisecond) {
		t.Error("Expected cleared signal not to be observed")
	}
}

func TestDoHoldExpires(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 5, Name: "m", Hold: 80 * time.Millisecond}

	start := time.Now()
	result := DoHold(msg, 30*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	elapsed := time.Since(start)

	if result != HoldExpired {
		t.Errorf("Expected expired, got %s", result)
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("Hold ended after %s, expected at least 80ms", elapsed)
	}
}

func TestDoHoldInterrupted(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 5, Name: "m", Hold: 5 * time.Second}

	go func() {
		time.Sleep(50 * time.Millisecond)
		interrupt.Set()
	}()

	start := time.Now()
	result := DoHold(msg, 30*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	elapsed := time.Since(start)

	if result != HoldInterrupted {
		t.Errorf("Expected interrupt, got %s", result)
	}
	if elapsed > time.Second {
		t.Errorf("Interrupt took %s to be observed", elapsed)
	}
}

func TestDoHoldIndefiniteIgnoresHoldDuration(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 5, Name: "m", Hold: 0, Indefinite: true}

	go func() {
		time.Sleep(100 * time.Millisecond)
		interrupt.Set()
	}()

	start := time.Now()
	result := DoHold(msg, 30*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	elapsed := time.Since(start)

	if result != HoldInterrupted {
		t.Errorf("Expected interrupt to end the indefinite hold, got %s", result)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("Indefinite hold with Hold=0 ended after %s without an interrupt", elapsed)
	}
}

func TestDoHoldPreemptedByHighPriority(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 3, Name: "m", Hold: 5 * time.Second}

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Enqueue(&Message{Priority: 9, Name: "urgent", Timeout: time.Minute})
	}()

	start := time.Now()
	result := DoHold(msg, 30*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	elapsed := time.Since(start)

	if result != HoldPreempted {
		t.Errorf("Expected pre-emption, got %s", result)
	}
	// Not before the minimum on-board time.
	if elapsed < 30*time.Millisecond {
		t.Errorf("Pre-empted after %s, before the minimum hold", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("Pre-emption took %s to be observed", elapsed)
	}
}

func TestDoHoldNotPreemptedByLowPriority(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 3, Name: "m", Hold: 150 * time.Millisecond}

	q.Enqueue(&Message{Priority: 7, Name: "below-threshold", Timeout: time.Minute})

	result := DoHold(msg, 10*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	if result != HoldExpired {
		t.Errorf("Expected expiry, got %s", result)
	}
}

func TestDoHoldHighPriorityHoldIsNotPreempted(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	// A hold at the threshold never yields to the queue.
	msg := &Message{Priority: 8, Name: "m", Hold: 150 * time.Millisecond}

	q.Enqueue(&Message{Priority: 10, Name: "urgent", Timeout: time.Minute})

	result := DoHold(msg, 10*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	if result != HoldExpired {
		t.Errorf("Expected expiry, got %s", result)
	}
}

func TestDoHoldRunsRefresh(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 5, Name: "m", Hold: 250 * time.Millisecond}

	var calls atomic.Int32
	refresh := func() error {
		calls.Add(1)
		return nil
	}

	DoHold(msg, 10*time.Millisecond, q, interrupt, testConfig(), refresh, 60*time.Millisecond)

	if got := calls.Load(); got < 2 {
		t.Errorf("Expected at least 2 refreshes during a 250ms hold at 60ms cadence, got %d", got)
	}
}

func TestDoHoldSurvivesRefreshFailureAndPanic(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()
	msg := &Message{Priority: 5, Name: "m", Hold: 200 * time.Millisecond}

	var calls atomic.Int32
	refresh := func() error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return errors.New("still failing")
	}

	result := DoHold(msg, 10*time.Millisecond, q, interrupt, testConfig(), refresh, 50*time.Millisecond)
	if result != HoldExpired {
		t.Errorf("Expected the hold to run to expiry despite refresh failures, got %s", result)
	}
	if calls.Load() < 2 {
		t.Errorf("Expected refresh to keep being attempted after a panic, got %d calls", calls.Load())
	}
}

func TestDoHoldClearsPendingInterrupt(t *testing.T) {
	q := NewQueue()
	interrupt := NewSignal()

	msg := &Message{Priority: 5, Name: "m", Hold: 30 * time.Millisecond}
	DoHold(msg, 10*time.Millisecond, q, interrupt, testConfig(), nil, 0)

	// Raise after the hold ended; a second hold must observe it, but once it
	// exits, nothing may remain pending.
	interrupt.Set()
	result := DoHold(&Message{Priority: 5, Name: "m2", Hold: time.Second}, 10*time.Millisecond, q, interrupt, testConfig(), nil, 0)
	if result != HoldInterrupted {
		t.Fatalf("Expected the pending interrupt to end the hold, got %s", result)
	}
	if interrupt.Wait(10 * time.Millisecond) {
		t.Error("Expected no pending signal after the hold consumed it")
	}
}

func TestHoldState(t *testing.T) {
	h := &HoldState{}

	if _, _, ok := h.Current(); ok {
		t.Error("Expected no active hold initially")
	}

	h.Set("plex", 8)
	tag, priority, ok := h.Current()
	if !ok || tag != "plex" || priority != 8 {
		t.Errorf("Expected (plex, 8, true), got (%s, %d, %v)", tag, priority, ok)
	}

	h.Clear()
	if _, _, ok := h.Current(); ok {
		t.Error("Expected no active hold after Clear")
	}
}
