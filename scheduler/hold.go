package scheduler

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flapboard/flapboard/observability"
)

// Signal is an edge-triggered binary event with a reset on observation.
// Set while nobody is waiting stays pending, so an interrupt raised between
// holds is observed by the next hold immediately. Repeated Sets coalesce.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set raises the signal. Non-blocking.
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks up to d for the signal, consuming it when observed.
func (s *Signal) Wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Clear discards a pending signal, if any.
func (s *Signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}

// HoldState tracks the message currently on the board: its supersede tag and
// priority. It is set by the worker just before the display write and
// cleared when the hold ends; the webhook server reads it to gate
// interrupts, and integrations read it to tell whether their event is still
// showing.
type HoldState struct {
	mu       sync.Mutex
	active   bool
	tag      string
	priority int
}

func (h *HoldState) Set(tag string, priority int) {
	h.mu.Lock()
	h.active, h.tag, h.priority = true, tag, priority
	h.mu.Unlock()
}

func (h *HoldState) Clear() {
	h.mu.Lock()
	h.active = false
	h.tag, h.priority = "", 0
	h.mu.Unlock()
}

// Current returns the held message's tag and priority; ok is false when no
// hold is in progress.
func (h *HoldState) Current() (tag string, priority int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tag, h.priority, h.active
}

// HoldResult says why a hold ended.
type HoldResult string

const (
	HoldExpired     HoldResult = "expired"
	HoldInterrupted HoldResult = "interrupt"
	HoldPreempted   HoldResult = "preempted"
)

// DoHold keeps msg on the board until one of its exit conditions fires:
//
//   - the interrupt signal is set (exits immediately, any elapsed time);
//   - the hold duration elapses, unless the message is indefinite;
//   - at least minHold has elapsed, the held message is below the interrupt
//     threshold, and a message at or above the threshold is waiting.
//
// When refreshFn is non-nil it runs every refreshInterval during the hold;
// a failing refresh is logged and the hold continues with the previous
// content still on the board. The pending interrupt signal, if any, is
// cleared on exit regardless of the exit path.
func DoHold(msg *Message, minHold time.Duration, q *Queue, interrupt *Signal, cfg Config, refreshFn func() error, refreshInterval time.Duration) HoldResult {
	start := time.Now()
	var nextRefresh time.Time
	if refreshFn != nil && refreshInterval > 0 {
		nextRefresh = start.Add(refreshInterval)
	}
	defer interrupt.Clear()

	for {
		elapsed := time.Since(start)
		if !msg.Indefinite && elapsed >= msg.Hold {
			return HoldExpired
		}
		if elapsed >= minHold && msg.Priority < cfg.InterruptThreshold {
			if top, ok := q.PeekPriority(); ok && top >= cfg.InterruptThreshold {
				return HoldPreempted
			}
		}

		// Wake at the soonest of: interrupt poll, remaining hold, next refresh.
		step := cfg.PollTimeout
		if !msg.Indefinite {
			if remaining := msg.Hold - elapsed; remaining < step {
				step = remaining
			}
		}
		if !nextRefresh.IsZero() {
			if until := time.Until(nextRefresh); until < step {
				step = until
			}
		}
		if step < 0 {
			step = 0
		}

		if interrupt.Wait(step) {
			return HoldInterrupted
		}

		if !nextRefresh.IsZero() && !time.Now().Before(nextRefresh) {
			if err := callRefresh(refreshFn); err != nil {
				log.Printf("Refresh for %s failed: %v", msg.Name, err)
				observability.Refreshes.WithLabelValues("error").Inc()
			} else {
				observability.Refreshes.WithLabelValues("ok").Inc()
			}
			nextRefresh = time.Now().Add(refreshInterval)
		}
	}
}

// callRefresh converts a panicking refresh closure into an error so one bad
// integration cannot take the worker down mid-hold.
func callRefresh(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return fn()
}
