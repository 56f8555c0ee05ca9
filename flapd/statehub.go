package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flapboard/flapboard/scheduler"
)

const maxStateClients = 50

// StateHub broadcasts the scheduler's live state to websocket clients once a
// second: the last board render, the held message, and the queue. A single
// broadcaster goroutine serves every client so N clients do not mean N
// tickers.
type StateHub struct {
	queue *scheduler.Queue
	hold  *scheduler.HoldState

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	mu         sync.RWMutex
	lastRender string
}

type stateSnapshot struct {
	Render   string        `json:"render"`
	HoldTag  string        `json:"hold_tag"`
	Holding  bool          `json:"holding"`
	Priority int           `json:"priority"`
	Queue    []queuedState `json:"queue"`
}

type queuedState struct {
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func NewStateHub(queue *scheduler.Queue, hold *scheduler.HoldState) *StateHub {
	return &StateHub{
		queue:      queue,
		hold:       hold,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// SetRender records the latest console render for broadcast. Called from the
// worker goroutine via the display's render hook.
func (h *StateHub) SetRender(render string) {
	h.mu.Lock()
	h.lastRender = render
	h.mu.Unlock()
}

// Run is the hub's main loop; it returns when ctx is cancelled.
func (h *StateHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			if len(h.clients) >= maxStateClients {
				conn.Close()
				log.Printf("State client rejected: max connections (%d) reached", maxStateClients)
				continue
			}
			h.clients[conn] = struct{}{}

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *StateHub) broadcast() {
	if len(h.clients) == 0 {
		return
	}

	h.mu.RLock()
	snap := stateSnapshot{Render: h.lastRender}
	h.mu.RUnlock()
	snap.HoldTag, snap.Priority, snap.Holding = h.hold.Current()
	for _, m := range h.queue.Snapshot() {
		snap.Queue = append(snap.Queue, queuedState{
			Name:        m.Name,
			Priority:    m.Priority,
			ScheduledAt: m.ScheduledAt,
		})
	}

	for conn := range h.clients {
		// Write deadline so one dead connection cannot stall the broadcast.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// shutdown closes every client and releases handlers blocked on the
// register/unregister channels.
func (h *StateHub) shutdown() {
	close(h.done)
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

var stateUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon serves the local network only; dashboards connect from
	// whatever host they are opened on.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the request and registers the connection. The read pump
// exists only to notice the client going away.
func (h *StateHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := stateUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("State client upgrade failed: %v", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
