package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of messages waiting in the priority queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flap_queue_depth",
		Help: "Current number of messages in the priority queue",
	})

	// MessagesEnqueued counts enqueued messages by source (cron, webhook, requeue).
	MessagesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_messages_enqueued_total",
		Help: "Total messages enqueued",
	}, []string{"source"})

	// MessagesSuperseded counts queued messages removed by a later message
	// carrying the same supersede tag.
	MessagesSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flap_messages_superseded_total",
		Help: "Queued messages replaced via supersede tag",
	})

	// MessagesDiscarded counts messages dropped without reaching the board.
	MessagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_messages_discarded_total",
		Help: "Messages discarded before display",
	}, []string{"reason"}) // timeout, data_unavailable, integration_error, send_error

	// BoardWrites counts Display.Set outcomes.
	BoardWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_board_writes_total",
		Help: "Display write attempts by outcome",
	}, []string{"outcome"}) // ok, duplicate, locked, error

	// HoldSeconds observes how long each message actually held the board.
	HoldSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flap_hold_seconds",
		Help:    "Actual hold duration per dispatched message",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	})

	// HoldExits counts why holds ended.
	HoldExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_hold_exits_total",
		Help: "Hold exits by cause",
	}, []string{"cause"}) // expired, interrupt, preempted

	// Refreshes counts in-hold refresh invocations by outcome.
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_refreshes_total",
		Help: "In-hold refresh invocations",
	}, []string{"outcome"}) // ok, error

	// WebhookRequests counts webhook requests by integration and status code.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_webhook_requests_total",
		Help: "Webhook requests by integration and HTTP status",
	}, []string{"integration", "status"})

	// Interrupts counts interrupt signal decisions at the webhook surface.
	Interrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flap_interrupts_total",
		Help: "Webhook interrupt requests by decision",
	}, []string{"decision"}) // honoured, gated

	// CronJobs tracks the number of registered cron jobs.
	CronJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flap_cron_jobs",
		Help: "Currently registered cron jobs",
	})
)
