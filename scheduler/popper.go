package scheduler

import (
	"log"
	"time"

	"github.com/flapboard/flapboard/observability"
)

// PopValid returns the next message to dispatch, or nil when the queue stays
// empty for pollTimeout.
//
// Cron jobs sharing a minute boundary fire within a few milliseconds of each
// other; without coalescing, whichever won the heap race would dispatch first
// regardless of priority. After the first message arrives, PopValid waits for
// the coalesce window, drains everything that landed meanwhile, discards
// messages that outlived their timeout, and returns the best of the rest. The
// losers go back on the heap with their original timestamps, so their
// timeouts keep running.
func (q *Queue) PopValid(pollTimeout, coalesceWindow time.Duration) *Message {
	first := q.PopWait(pollTimeout)
	if first == nil {
		return nil
	}
	batchStart := time.Now()
	time.Sleep(coalesceWindow)

	batch := []*Message{first}
	for {
		m := q.tryPop()
		if m == nil {
			break
		}
		batch = append(batch, m)
	}

	valid := batch[:0]
	for _, m := range batch {
		// Only time spent queued before the batch opened counts against the
		// timeout; a message that arrived with the batch is never expired by
		// the coalesce wait itself.
		waited := batchStart.Sub(m.ScheduledAt)
		if waited > coalesceWindow && m.Expired(batchStart) {
			log.Printf("Discarding %s (waited %.1fs, timeout=%s)",
				m.Name, waited.Seconds(), m.Timeout)
			observability.MessagesDiscarded.WithLabelValues("timeout").Inc()
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return nil
	}

	best := valid[0]
	for _, m := range valid[1:] {
		if m.Less(best) {
			best = m
		}
	}
	for _, m := range valid {
		if m != best {
			q.requeue(m)
		}
	}
	return best
}
