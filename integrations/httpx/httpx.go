// Package httpx holds the HTTP plumbing shared by integrations: retrying
// requests with exponential backoff, and a timestamped cache entry for
// last-known-good variable sets.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flapboard/flapboard/board"
)

// DefaultClient is what integrations use unless they need their own
// transport. External boards and APIs answer well within 10 seconds or not
// at all.
var DefaultClient = &http.Client{Timeout: 10 * time.Second}

// DoWithRetry sends the request, retrying on 5xx responses and
// network-level errors. 4xx responses return immediately; those are client
// errors that retrying will not resolve.
//
// retries is the total number of attempts; the delay before attempt n is
// backoff * 2^(n-1) (no delay before the first).
func DoWithRetry(ctx context.Context, client *http.Client, method, rawURL string, query url.Values, retries int, backoff time.Duration) (*http.Response, error) {
	if client == nil {
		client = DefaultClient
	}
	if query != nil {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		u.RawQuery = query.Encode()
		rawURL = u.String()
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			delay := backoff * (1 << (attempt - 1))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// GetJSON fetches rawURL with retries and decodes the 2xx response body into
// out. Non-2xx responses (after retrying 5xx) are returned as errors.
func GetJSON(ctx context.Context, client *http.Client, rawURL string, query url.Values, out any) error {
	resp, err := DoWithRetry(ctx, client, http.MethodGet, rawURL, query, 3, time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CacheEntry is a timestamped last-known-good variable set.
type CacheEntry struct {
	Value    board.Variables
	CachedAt time.Time
}

func NewCacheEntry(value board.Variables) *CacheEntry {
	return &CacheEntry{Value: value, CachedAt: time.Now()}
}

// Valid reports whether the entry is within ttl of its fetch time.
func (e *CacheEntry) Valid(ttl time.Duration) bool {
	return time.Since(e.CachedAt) <= ttl
}
