package scheduler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flapboard/flapboard/observability"
)

// maxWebhookBody bounds request bodies; upstream webhook payloads are small
// JSON documents.
const maxWebhookBody = 64 << 10

// WebhookServer accepts POST /webhook/<integration> from external systems
// and dispatches the resulting messages into the queue, honouring interrupt
// requests subject to the priority gate. It also serves /healthz, /metrics
// and any extra handlers the daemon mounts.
type WebhookServer struct {
	queue     *Queue
	registry  *Registry
	hold      *HoldState
	interrupt *Signal
	cfg       Config
	secret    []byte

	// limiter is storm protection for the webhook path: upstream systems
	// have been seen replaying event bursts.
	limiter *rate.Limiter

	mux *http.ServeMux
	srv *http.Server
}

func NewWebhookServer(addr, secret string, queue *Queue, registry *Registry, hold *HoldState, interrupt *Signal, cfg Config) *WebhookServer {
	s := &WebhookServer{
		queue:     queue,
		registry:  registry,
		hold:      hold,
		interrupt: interrupt,
		cfg:       cfg,
		secret:    []byte(secret),
		// Allow 10 webhook posts/sec, burst 20.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhook/", s.handleWebhook)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handle mounts an extra handler on the server's mux (e.g. the websocket
// state hub).
func (s *WebhookServer) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start begins serving in a background goroutine.
func (s *WebhookServer) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Webhook server error: %v", err)
		}
	}()
	log.Printf("Webhook server listening on %s", s.srv.Addr)
}

func (s *WebhookServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	integration := "unknown"
	status := http.StatusOK
	body := "OK"

	defer func() {
		observability.WebhookRequests.WithLabelValues(integration, strconv.Itoa(status)).Inc()
		w.WriteHeader(status)
		fmt.Fprintln(w, body)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Webhook handler for %s panicked: %v", integration, rec)
			status, body = http.StatusInternalServerError, "Handler error"
		}
	}()

	if r.Method != http.MethodPost {
		status, body = http.StatusNotFound, "Not found"
		return
	}
	if !s.limiter.Allow() {
		status, body = http.StatusTooManyRequests, "Slow down"
		return
	}

	// Path shape: exactly /webhook/<integration>.
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "webhook" {
		status, body = http.StatusNotFound, "Not found"
		return
	}
	name := parts[1]

	// The name is matched against the allowlist and nothing else; it is
	// never used to look anything up on disk.
	if !s.registry.Known(name) {
		status, body = http.StatusNotFound, "Unknown integration"
		return
	}
	integration = name

	if !s.authorized(r) {
		log.Printf("Webhook for %s rejected: bad or missing secret", name)
		status, body = http.StatusUnauthorized, "Unauthorized"
		return
	}

	payload, err := parsePayload(r)
	if err != nil {
		log.Printf("Webhook for %s rejected: %v", name, err)
		status, body = http.StatusBadRequest, "Bad request"
		return
	}

	inst, err := s.registry.Get(name)
	if err != nil || inst.Webhook == nil {
		status, body = http.StatusNotFound, "Integration has no webhook handler"
		return
	}

	msg, err := inst.Webhook(r.Context(), payload)
	if err != nil {
		log.Printf("Webhook handler for %s failed: %v", name, err)
		status, body = http.StatusInternalServerError, "Handler error"
		return
	}
	if msg == nil {
		body = "Discarded"
		return
	}

	if msg.InterruptOnly {
		s.maybeInterrupt(msg)
		body = "Interrupted"
		return
	}

	s.queue.Enqueue(&msg.Message)
	observability.MessagesEnqueued.WithLabelValues("webhook").Inc()
	if msg.Interrupt {
		s.maybeInterrupt(msg)
	}
	body = "Enqueued"
}

// maybeInterrupt sets the interrupt signal unless the message currently held
// is at or above the interrupt threshold. An idle board is always
// interruptible.
func (s *WebhookServer) maybeInterrupt(msg *WebhookMessage) {
	_, priority, holding := s.hold.Current()
	if holding && priority >= s.cfg.InterruptThreshold {
		log.Printf("Interrupt from %s gated: current hold priority %d", msg.Name, priority)
		observability.Interrupts.WithLabelValues("gated").Inc()
		return
	}
	s.interrupt.Set()
	observability.Interrupts.WithLabelValues("honoured").Inc()
}

// authorized compares the shared secret from the X-Webhook-Secret header
// (preferred) or the secret query parameter in constant time.
func (s *WebhookServer) authorized(r *http.Request) bool {
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	if got == "" || len(s.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), s.secret) == 1
}

// parsePayload decodes the request body: JSON directly, or the JSON "payload"
// field of a multipart form (some upstream webhooks wrap their JSON this
// way).
func parsePayload(r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxWebhookBody)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("bad content type: %w", err)
	}

	var raw []byte
	switch mediaType {
	case "application/json":
		raw, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxWebhookBody); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		field := r.FormValue("payload")
		if field == "" {
			return nil, errors.New("multipart body has no payload field")
		}
		raw = []byte(field)
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return payload, nil
}

// GenerateSecret returns a fresh webhook secret: 32 bytes of cryptographic
// randomness, base64-url encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
