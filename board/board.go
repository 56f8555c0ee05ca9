// Package board is the Vestaboard Read/Write API client. It renders content
// templates into character code grids and writes them to the physical board,
// and reads the current layout back.
//
// The Read/Write API lives at https://rw.vestaboard.com. Both GET and POST
// authenticate with the X-Vestaboard-Read-Write-Key header; a POST body is a
// raw JSON array-of-arrays of integer character codes with no wrapper key.
package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// Model identifies the physical board variant.
type Model int

const (
	Note     Model = iota // Vestaboard Note:     3 rows × 15 columns
	Flagship              // Vestaboard Flagship: 6 rows × 22 columns
)

func (m Model) Rows() int {
	if m == Flagship {
		return 6
	}
	return 3
}

func (m Model) Cols() int {
	if m == Flagship {
		return 22
	}
	return 15
}

func (m Model) String() string {
	if m == Flagship {
		return "Flagship (6×22)"
	}
	return "Note (3×15)"
}

var (
	// ErrDuplicateContent is returned when the board reports the submitted
	// layout is identical to what is already shown.
	ErrDuplicateContent = errors.New("board: duplicate content")

	// ErrBoardLocked is returned on HTTP 423: the board is rate-limited or in
	// quiet hours.
	ErrBoardLocked = errors.New("board: locked (rate-limited or quiet hours)")

	// ErrEmptyBoard is returned by Get when the board has no current message.
	ErrEmptyBoard = errors.New("board: no current message")
)

const defaultHost = "https://rw.vestaboard.com"

// Display is the write surface the scheduler drives. Exactly one caller may
// issue Set calls at a time; the scheduler's single worker enforces that.
type Display interface {
	Set(ctx context.Context, templates []Template, variables Variables, truncation Truncation) error
	Get(ctx context.Context) (*State, error)
}

// State is a snapshot of the current board layout.
type State struct {
	ID       string
	Appeared string
	Layout   [][]int
}

// Client talks to a single Vestaboard. It implements Display.
type Client struct {
	apiKey string
	host   string
	model  Model
	http   *http.Client

	// OnRender, if non-nil, receives the console rendering of every grid
	// written. The daemon points this at stdout.
	OnRender func(render string)
}

// NewClient returns a client for the given board model. The API key is the
// board's read-write key.
func NewClient(apiKey string, model Model) *Client {
	return &Client{
		apiKey: apiKey,
		host:   defaultHost,
		model:  model,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientHost is NewClient with an explicit API host, for tests.
func NewClientHost(apiKey string, model Model, host string) *Client {
	c := NewClient(apiKey, model)
	c.host = host
	return c
}

func (c *Client) Model() Model { return c.model }

// Render expands one randomly chosen template against variables, wraps and
// truncates it for the board geometry, and returns the code grid.
func (c *Client) Render(templates []Template, variables Variables, truncation Truncation) ([][]int, error) {
	if len(templates) == 0 {
		return nil, errors.New("board: no templates to render")
	}
	tmpl := templates[rand.IntN(len(templates))]
	lines := expandFormat(tmpl.Format, variables)
	lines = wrapLines(lines, c.model.Rows(), c.model.Cols(), truncation)
	return buildGrid(lines, c.model.Rows(), c.model.Cols()), nil
}

// Set renders a template and writes it to the board.
//
// Returns ErrDuplicateContent on HTTP 409 and ErrBoardLocked on HTTP 423 so
// the caller can decide how to proceed; any other non-2xx status is an
// ordinary error.
func (c *Client) Set(ctx context.Context, templates []Template, variables Variables, truncation Truncation) error {
	grid, err := c.Render(templates, variables, truncation)
	if err != nil {
		return err
	}
	if c.OnRender != nil {
		c.OnRender(RenderGrid(grid, c.model))
	}

	body, err := json.Marshal(grid)
	if err != nil {
		return fmt.Errorf("board: encode grid: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("board: write: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrDuplicateContent
	case resp.StatusCode == http.StatusLocked:
		return ErrBoardLocked
	case resp.StatusCode >= 300:
		return fmt.Errorf("board: write failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Get fetches the current board state.
func (c *Client) Get(ctx context.Context) (*State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("board: read: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("board: read failed: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		CurrentMessage *struct {
			ID       string `json:"id"`
			Appeared string `json:"appeared"`
			Layout   string `json:"layout"`
		} `json:"currentMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("board: decode state: %w", err)
	}
	cur := payload.CurrentMessage
	if cur == nil || cur.Layout == "" {
		return nil, ErrEmptyBoard
	}

	// The layout arrives as a JSON string containing the grid.
	var layout [][]int
	if err := json.Unmarshal([]byte(cur.Layout), &layout); err != nil {
		return nil, fmt.Errorf("board: decode layout: %w", err)
	}
	return &State{ID: cur.ID, Appeared: cur.Appeared, Layout: layout}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Vestaboard-Read-Write-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// String renders the state for console output on a Note-geometry border when
// the grid is 3 rows, Flagship otherwise.
func (s *State) String() string {
	model := Note
	if len(s.Layout) > 3 {
		model = Flagship
	}
	return RenderGrid(s.Layout, model)
}
