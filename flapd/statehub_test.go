package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flapboard/flapboard/scheduler"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestStateHubBroadcastsSnapshot(t *testing.T) {
	queue := scheduler.NewQueue()
	hold := &scheduler.HoldState{}
	hub := NewStateHub(queue, hold)

	hub.SetRender("HELLO")
	hold.Set("plex", 8)
	queue.Enqueue(&scheduler.Message{Priority: 3, Name: "user.demo.hello", Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var snap stateSnapshot
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Render != "HELLO" {
		t.Errorf("Expected the last render broadcast, got %q", snap.Render)
	}
	if snap.HoldTag != "plex" || !snap.Holding || snap.Priority != 8 {
		t.Errorf("Expected the held message reported, got %+v", snap)
	}
	if len(snap.Queue) != 1 || snap.Queue[0].Name != "user.demo.hello" {
		t.Errorf("Expected the queued message listed, got %+v", snap.Queue)
	}
}

func TestStateHubConnectAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewStateHub(scheduler.NewQueue(), &scheduler.HoldState{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	served := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r)
		close(served)
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the handler to return after the hub stopped")
	}
}
