// Package scheduler is the core of flapd: a prioritised, coalescing,
// pre-emptible single-writer scheduler that serialises display messages to a
// split-flap board.
//
// Cron jobs and webhook events enqueue messages onto a shared priority
// queue; a single worker pops the best valid message, renders it against the
// board, then holds it there for a message-specific duration with three
// early-exit paths (explicit interrupt, priority pre-emption, hold expiry).
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/flapboard/flapboard/board"
)

// Config carries the scheduler tunables. The defaults are the ones the
// system was designed around; change them only with a reason.
type Config struct {
	// CoalesceWindow is how long PopValid waits after the first message so
	// that co-scheduled cron fires all land before a winner is chosen.
	CoalesceWindow time.Duration

	// PollTimeout bounds how long PopValid blocks on an empty queue, and how
	// often a hold wakes to check for interrupts and pre-emption.
	PollTimeout time.Duration

	// InterruptThreshold is the priority at or above which a queued message
	// may pre-empt a lower-priority ongoing hold. Holds at or above the
	// threshold are never pre-empted.
	InterruptThreshold int

	// MinHold is the minimum time a message stays on the board before
	// pre-emption is considered.
	MinHold time.Duration

	// LockRetryDelay is how long the worker sleeps after the board reports
	// it is locked before re-enqueueing the message.
	LockRetryDelay time.Duration

	// RefreshMinInterval is the validation floor for per-template refresh
	// intervals.
	RefreshMinInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CoalesceWindow:     100 * time.Millisecond,
		PollTimeout:        1 * time.Second,
		InterruptThreshold: 8,
		MinHold:            1 * time.Second,
		LockRetryDelay:     60 * time.Second,
		RefreshMinInterval: 30 * time.Second,
	}
}

// Data is the display payload of a message.
type Data struct {
	Templates     []board.Template
	Variables     board.Variables
	Truncation    board.Truncation
	Integration   string // optional: fetch fresh variables from this integration
	IntegrationFn string // provider function name, default "get_variables"

	// RefreshInterval, when non-zero on an integration-backed message,
	// re-fetches variables and rewrites the board at this cadence during the
	// hold.
	RefreshInterval time.Duration
}

// Message is a pending display message.
type Message struct {
	Priority    int    // 0..10, higher is dispatched first
	Seq         uint64 // monotonic tiebreak, assigned at enqueue
	Name        string // opaque log label
	ScheduledAt time.Time
	Data        Data
	Hold        time.Duration // time to remain on the board
	Timeout     time.Duration // max queue wait before the message is discarded

	// Indefinite ignores Hold as an upper bound; the hold ends only on
	// interrupt or pre-emption.
	Indefinite bool

	// SupersedeTag, when non-empty, atomically removes all earlier queued
	// messages carrying the same tag at enqueue time.
	SupersedeTag string
}

// Less reports whether m should be dispatched before other: higher priority
// first, earlier arrival breaking ties.
func (m *Message) Less(other *Message) bool {
	if m.Priority != other.Priority {
		return m.Priority > other.Priority
	}
	return m.Seq < other.Seq
}

// Expired reports whether the message has waited past its timeout.
func (m *Message) Expired(now time.Time) bool {
	return now.Sub(m.ScheduledAt) > m.Timeout
}

// WebhookMessage is what a webhook handler returns for dispatch.
type WebhookMessage struct {
	Message

	// Interrupt also sets the hold-interrupt signal after enqueueing,
	// subject to the priority gate.
	Interrupt bool

	// InterruptOnly sets the hold-interrupt signal without enqueueing;
	// used by stop/clear events.
	InterruptOnly bool
}

// ErrDataUnavailable is returned by an integration provider when it has no
// current data to display. The worker drops the message silently; use this
// for expected empty states (nothing playing, empty calendar window, auth
// pending).
var ErrDataUnavailable = errors.New("integration data unavailable")

// MissingDependenciesError is returned when an integration cannot be
// instantiated because its external requirements (config keys, credentials)
// are absent.
type MissingDependenciesError struct {
	Integration string
	Reason      string
}

func (e *MissingDependenciesError) Error() string {
	return fmt.Sprintf("integration %q missing dependencies: %s", e.Integration, e.Reason)
}
