package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flapboard/flapboard/board"
)

func TestDoWithRetryRecoverFrom5xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	resp, err := DoWithRetry(context.Background(), nil, http.MethodGet, ts.URL, nil, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 after retries, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestDoWithRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := DoWithRetry(context.Background(), nil, http.MethodGet, ts.URL, nil, 3, 10*time.Millisecond)
	if err == nil {
		t.Fatal("Expected an error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestDoWithRetryDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	resp, err := DoWithRetry(context.Background(), nil, http.MethodGet, ts.URL, nil, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected the 403 returned, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 attempt for a client error, got %d", got)
	}
}

func TestDoWithRetryRespectsContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := DoWithRetry(ctx, nil, http.MethodGet, ts.URL, nil, 5, 10*time.Second)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected cancellation to cut the backoff short, took %s", elapsed)
	}
}

func TestGetJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "v" {
			t.Errorf("Expected the query encoded, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"name":"ok"}`))
	}))
	defer ts.Close()

	var out struct {
		Name string `json:"name"`
	}
	q := map[string][]string{"q": {"v"}}
	if err := GetJSON(context.Background(), nil, ts.URL, q, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "ok" {
		t.Errorf("Expected ok, got %q", out.Name)
	}
}

func TestCacheEntry(t *testing.T) {
	e := NewCacheEntry(board.Variables{"x": {{"1"}}})
	if !e.Valid(time.Minute) {
		t.Error("Expected a fresh entry valid")
	}
	e.CachedAt = time.Now().Add(-2 * time.Minute)
	if e.Valid(time.Minute) {
		t.Error("Expected a stale entry invalid")
	}
}
