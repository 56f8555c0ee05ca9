// Package plex turns Plex media-server webhooks into now-playing messages.
// It has no variables provider; everything arrives via POST /webhook/plex.
//
// play/resume events enqueue an indefinite now-playing message that
// supersedes any earlier plex message and interrupts the current hold
// (subject to the priority gate). pause swaps in a paused message the same
// way. stop raises an interrupt with nothing enqueued, and only when a plex
// message is actually on the board.
package plex

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/flapboard/flapboard/board"
	"github.com/flapboard/flapboard/config"
	"github.com/flapboard/flapboard/content"
	"github.com/flapboard/flapboard/scheduler"
)

// supersedeTag marks every plex message so a newer event replaces any queued
// older one, and so stop events can tell whether plex content is showing.
const supersedeTag = "plex"

// TemplateSource finds a loaded content template by its bare
// "<file_stem>.<template_name>" id. The daemon backs this with the parsed
// content files so the contrib plex descriptor, when enabled, controls the
// formats and timings.
type TemplateSource interface {
	ContentTemplate(id string) (*content.Template, bool)
}

// Fallbacks when no plex content file is loaded.
var defaultFormats = map[string][]string{
	"now_playing": {"[G] NOW PLAYING", "", "{title}", "{detail}"},
	"paused":      {"[Y] PAUSED", "", "{title}", "{detail}"},
}

var defaultTiming = map[string]struct {
	priority int
	hold     int // seconds; 0 = indefinite for now_playing
	timeout  int
}{
	"now_playing": {priority: 8, hold: 0, timeout: 60},
	"paused":      {priority: 6, hold: 300, timeout: 60},
}

type integration struct {
	cfg    *config.Config
	hold   *scheduler.HoldState
	source TemplateSource
}

// New returns the integration constructor for the registry. source may be
// nil; built-in formats are used then.
func New(cfg *config.Config, hold *scheduler.HoldState, source TemplateSource) scheduler.Constructor {
	return func() (*scheduler.Integration, error) {
		p := &integration{cfg: cfg, hold: hold, source: source}
		return &scheduler.Integration{Webhook: p.handleWebhook}, nil
	}
}

// leadingArticles are dropped from titles so long names fit more rows.
var leadingArticles = []string{"THE ", "AN ", "A "}

func stripArticle(title string) string {
	upper := strings.ToUpper(title)
	for _, art := range leadingArticles {
		if strings.HasPrefix(upper, art) {
			return title[len(art):]
		}
	}
	return title
}

type metadata struct {
	typ              string
	title            string
	grandparentTitle string
	parentIndex      int
	index            int
	year             int
}

func parseMetadata(payload map[string]any) metadata {
	var m metadata
	raw, _ := payload["Metadata"].(map[string]any)
	if raw == nil {
		return m
	}
	m.typ, _ = raw["type"].(string)
	m.title, _ = raw["title"].(string)
	m.grandparentTitle, _ = raw["grandparentTitle"].(string)
	m.parentIndex = intField(raw, "parentIndex")
	m.index = intField(raw, "index")
	m.year = intField(raw, "year")
	return m
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

// titleLines maps metadata to the title and detail variables. Episodes show
// the series as the title with "S{n}E{n} {episode}" detail; movies show the
// title with the year.
func titleLines(m metadata) (title, detail string) {
	switch m.typ {
	case "episode":
		title = stripArticle(m.grandparentTitle)
		detail = fmt.Sprintf("S%dE%d %s", m.parentIndex, m.index, m.title)
		return title, detail
	case "movie":
		title = stripArticle(m.title)
		if m.year > 0 {
			detail = fmt.Sprintf("(%d)", m.year)
		}
		return title, detail
	}
	return "", ""
}

// template resolves the named plex template: loaded content file first, then
// the built-in fallback, with config.toml [plex.schedules] overrides applied
// on top of either.
func (p *integration) template(name string) (formats []string, priority, holdSecs, timeoutSecs int) {
	def := defaultTiming[name]
	formats, priority, holdSecs, timeoutSecs = defaultFormats[name], def.priority, def.hold, def.timeout

	if p.source != nil {
		if tmpl, ok := p.source.ContentTemplate("plex." + name); ok {
			if len(tmpl.Templates) > 0 {
				formats = tmpl.Templates[0].Format
			}
			priority = tmpl.Priority
			holdSecs = tmpl.Schedule.Hold
			timeoutSecs = tmpl.Schedule.Timeout
		}
	}

	ov := p.cfg.ScheduleOverride("plex." + name)
	if v, ok := overrideInt(ov, "priority"); ok {
		if v >= 0 && v <= 10 {
			priority = v
		} else {
			log.Printf("Warning: ignoring plex.%s priority override %d (must be 0..10)", name, v)
		}
	}
	if v, ok := overrideInt(ov, "hold"); ok {
		holdSecs = v
	}
	if v, ok := overrideInt(ov, "timeout"); ok {
		timeoutSecs = v
	}
	return formats, priority, holdSecs, timeoutSecs
}

func overrideInt(ov map[string]any, key string) (int, bool) {
	switch v := ov[key].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (p *integration) handleWebhook(_ context.Context, payload map[string]any) (*scheduler.WebhookMessage, error) {
	event, _ := payload["event"].(string)
	meta := parseMetadata(payload)

	switch event {
	case "media.play", "media.resume":
		return p.playMessage("now_playing", meta)
	case "media.pause":
		return p.playMessage("paused", meta)
	case "media.stop":
		// Only clear the board when plex content is on it; stopping playback
		// must not interrupt unrelated messages.
		if tag, _, holding := p.hold.Current(); !holding || tag != supersedeTag {
			return nil, nil
		}
		return &scheduler.WebhookMessage{
			Message:       scheduler.Message{Name: "plex.stop"},
			InterruptOnly: true,
		}, nil
	}
	// Library scans, rating changes and the rest are not display events.
	return nil, nil
}

func (p *integration) playMessage(name string, meta metadata) (*scheduler.WebhookMessage, error) {
	title, detail := titleLines(meta)
	if title == "" {
		return nil, nil
	}

	formats, priority, holdSecs, timeoutSecs := p.template(name)
	msg := &scheduler.WebhookMessage{
		Message: scheduler.Message{
			Priority: priority,
			Name:     "plex." + name,
			Data: scheduler.Data{
				Templates: []board.Template{{Format: formats}},
				Variables: board.Variables{
					"title":  {{title}},
					"detail": {{detail}},
				},
				Truncation: board.TruncateEllipsis,
			},
			Hold:         time.Duration(holdSecs) * time.Second,
			Timeout:      time.Duration(timeoutSecs) * time.Second,
			Indefinite:   holdSecs == 0,
			SupersedeTag: supersedeTag,
		},
		Interrupt: true,
	}
	return msg, nil
}
