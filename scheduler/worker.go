package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/flapboard/flapboard/board"
	"github.com/flapboard/flapboard/observability"
)

// Worker drives the dispatch loop: pop the best valid message, resolve its
// variables, write it to the display, then hold it on the board. It is the
// only goroutine that calls Display.Set, which is what keeps the physical
// flaps from ever being driven concurrently.
type Worker struct {
	Queue     *Queue
	Display   board.Display
	Registry  *Registry
	Hold      *HoldState
	Interrupt *Signal
	Cfg       Config

	// Idle refresh: the refresh closure of the last dispatched message is
	// kept after its hold ends so time-sensitive content stays live while
	// the queue is empty. Owned by the worker goroutine, not concurrent.
	idleRefresh  func() error
	idleInterval time.Duration
	lastIdle     time.Time
}

// Run loops until ctx is cancelled. Messages still queued at cancellation
// are lost; that is deliberate, the queue is not persistent.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		w.step(ctx)
	}
}

func (w *Worker) step(ctx context.Context) {
	w.maybeIdleRefresh()

	msg := w.Queue.PopValid(w.Cfg.PollTimeout, w.Cfg.CoalesceWindow)
	if msg == nil {
		return
	}

	log.Printf("Sending %s | scheduled %s | priority %d | hold %s",
		msg.Name, msg.ScheduledAt.Format("15:04:05"), msg.Priority, msg.Hold)

	variables, ok := w.resolveVariables(ctx, msg)
	if !ok {
		return
	}

	// Publish the hold state before the write so a webhook observing the
	// board mid-flip already sees the incoming message's priority.
	w.Hold.Set(msg.SupersedeTag, msg.Priority)

	err := w.Display.Set(ctx, msg.Data.Templates, variables, msg.Data.Truncation)
	switch {
	case err == nil:
		observability.BoardWrites.WithLabelValues("ok").Inc()
		w.clearIdleRefresh()
	case errors.Is(err, board.ErrDuplicateContent):
		// The board already shows this content. Hold anyway: skipping would
		// let an unrelated lower-priority message immediately take over
		// content that is genuinely on the board (pause→resume bursts).
		log.Printf("Duplicate content for %s, holding anyway", msg.Name)
		observability.BoardWrites.WithLabelValues("duplicate").Inc()
		w.clearIdleRefresh()
	case errors.Is(err, board.ErrBoardLocked):
		log.Printf("Board locked: %v. Retrying in %s.", err, w.Cfg.LockRetryDelay)
		observability.BoardWrites.WithLabelValues("locked").Inc()
		w.Hold.Clear()
		w.sleep(ctx, w.Cfg.LockRetryDelay)
		if !msg.Expired(time.Now()) {
			w.Queue.requeue(msg)
			observability.MessagesEnqueued.WithLabelValues("requeue").Inc()
		} else {
			observability.MessagesDiscarded.WithLabelValues("timeout").Inc()
		}
		return
	default:
		log.Printf("Error sending %s to board: %v", msg.Name, err)
		observability.BoardWrites.WithLabelValues("error").Inc()
		observability.MessagesDiscarded.WithLabelValues("send_error").Inc()
		w.Hold.Clear()
		return
	}

	refreshFn := w.buildRefresh(ctx, msg)

	held := time.Now()
	result := DoHold(msg, w.Cfg.MinHold, w.Queue, w.Interrupt, w.Cfg, refreshFn, msg.Data.RefreshInterval)
	observability.HoldSeconds.Observe(time.Since(held).Seconds())
	observability.HoldExits.WithLabelValues(string(result)).Inc()
	if result != HoldExpired {
		log.Printf("Hold for %s ended early: %s", msg.Name, result)
	}

	w.Hold.Clear()

	if refreshFn != nil {
		w.idleRefresh = refreshFn
		w.idleInterval = msg.Data.RefreshInterval
		w.lastIdle = time.Now()
	}
}

// resolveVariables returns the variables to render. ok is false when the
// message should be dropped.
func (w *Worker) resolveVariables(ctx context.Context, msg *Message) (board.Variables, bool) {
	if msg.Data.Integration == "" {
		return msg.Data.Variables, true
	}

	inst, err := w.Registry.Get(msg.Data.Integration)
	if err != nil {
		log.Printf("Dropping %s: %v", msg.Name, err)
		observability.MessagesDiscarded.WithLabelValues("integration_error").Inc()
		return nil, false
	}
	fn := inst.Vars[msg.Data.IntegrationFn]
	if fn == nil {
		log.Printf("Dropping %s: integration %q has no provider %q",
			msg.Name, msg.Data.Integration, msg.Data.IntegrationFn)
		observability.MessagesDiscarded.WithLabelValues("integration_error").Inc()
		return nil, false
	}

	variables, err := fn(ctx)
	switch {
	case errors.Is(err, ErrDataUnavailable):
		// Legitimate empty state, not an error. No log line.
		observability.MessagesDiscarded.WithLabelValues("data_unavailable").Inc()
		return nil, false
	case err != nil:
		log.Printf("Dropping %s: integration %q: %v", msg.Name, msg.Data.Integration, err)
		observability.MessagesDiscarded.WithLabelValues("integration_error").Inc()
		return nil, false
	}
	return variables, true
}

// buildRefresh returns a closure that re-fetches variables and rewrites the
// board, or nil when the message does not refresh. Duplicate content and
// unavailable data are not errors during a refresh; the board simply keeps
// what it has.
func (w *Worker) buildRefresh(ctx context.Context, msg *Message) func() error {
	if msg.Data.RefreshInterval <= 0 || msg.Data.Integration == "" {
		return nil
	}
	inst, err := w.Registry.Get(msg.Data.Integration)
	if err != nil {
		return nil
	}
	fn := inst.Vars[msg.Data.IntegrationFn]
	if fn == nil {
		return nil
	}

	data := msg.Data
	return func() error {
		variables, err := fn(ctx)
		if errors.Is(err, ErrDataUnavailable) {
			return nil
		}
		if err != nil {
			return err
		}
		err = w.Display.Set(ctx, data.Templates, variables, data.Truncation)
		if errors.Is(err, board.ErrDuplicateContent) {
			return nil
		}
		return err
	}
}

func (w *Worker) maybeIdleRefresh() {
	if w.idleRefresh == nil || w.Queue.Len() > 0 {
		return
	}
	if time.Since(w.lastIdle) < w.idleInterval {
		return
	}
	if err := callRefresh(w.idleRefresh); err != nil {
		log.Printf("Idle refresh failed: %v", err)
		observability.Refreshes.WithLabelValues("error").Inc()
	} else {
		observability.Refreshes.WithLabelValues("ok").Inc()
	}
	w.lastIdle = time.Now()
}

// clearIdleRefresh drops the armed idle refresh; the new message now owns
// the board, and its own refresh (if any) takes over after its hold.
func (w *Worker) clearIdleRefresh() {
	w.idleRefresh = nil
	w.idleInterval = 0
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
