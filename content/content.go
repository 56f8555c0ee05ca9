// Package content parses and validates the JSON content descriptor files
// that define what the board can show and when.
//
// Each file holds optional shared variables plus one or more named templates,
// each with its own cron schedule, priority and timing constraints. Template
// ids are namespaced "<parent_dir>.<file_stem>.<template_name>" so files with
// the same name under user/ and contrib/ never collide.
package content

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flapboard/flapboard/board"
)

// Schedule is a template's timing block.
type Schedule struct {
	Cron            string `json:"cron"`
	Hold            int    `json:"hold"`
	Timeout         int    `json:"timeout"`
	RefreshInterval int    `json:"refresh_interval"`
}

// Template is one named entry in a content file.
type Template struct {
	Schedule      Schedule         `json:"schedule"`
	Priority      int              `json:"priority"`
	Public        *bool            `json:"public"` // default true
	Truncation    string           `json:"truncation"`
	Webhook       bool             `json:"webhook"` // if true, cron is optional
	Templates     []board.Template `json:"templates"`
	Integration   string           `json:"integration"`
	IntegrationFn string           `json:"integration_fn"` // default "get_variables"
}

// File is a parsed content descriptor.
type File struct {
	Variables board.Variables      `json:"variables"`
	Templates map[string]*Template `json:"templates"`

	// Stem is "<parent_dir>.<file_stem>", the namespace prefix for every
	// template id in this file.
	Stem string `json:"-"`

	// FileStem is the bare file stem; config schedule overrides are keyed
	// "<file_stem>.<template_name>" regardless of the parent directory.
	FileStem string `json:"-"`
}

// IsPublic reports whether the template may be shown in public mode.
func (t *Template) IsPublic() bool {
	return t.Public == nil || *t.Public
}

// EffectiveTruncation returns the truncation strategy, defaulting to hard.
func (t *Template) EffectiveTruncation() board.Truncation {
	if t.Truncation == "" {
		return board.TruncateHard
	}
	return board.Truncation(t.Truncation)
}

// EffectiveIntegrationFn returns the provider function name, defaulting to
// "get_variables".
func (t *Template) EffectiveIntegrationFn() string {
	if t.IntegrationFn == "" {
		return "get_variables"
	}
	return t.IntegrationFn
}

// LoadFile parses path into a File. The namespace stem is derived from the
// parent directory and file stem. Validation is separate (Validate) so a
// caller can report every problem against the template id.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("content: parse %s: %w", path, err)
	}
	if f.Templates == nil {
		return nil, fmt.Errorf("content: %s has no templates", path)
	}
	base := filepath.Base(path)
	f.FileStem = strings.TrimSuffix(base, filepath.Ext(base))
	f.Stem = filepath.Base(filepath.Dir(path)) + "." + f.FileStem
	return &f, nil
}

// Validate checks every template in the file, returning the first problem
// found. minRefresh is the floor for refresh_interval in seconds.
func (f *File) Validate(minRefresh int) error {
	for name, tmpl := range f.Templates {
		if err := tmpl.validate(f.Stem+"."+name, minRefresh); err != nil {
			return err
		}
	}
	return nil
}

func (t *Template) validate(id string, minRefresh int) error {
	if strings.TrimSpace(t.Schedule.Cron) == "" && !t.Webhook {
		return fmt.Errorf("content: %s: schedule.cron must be a non-empty string", id)
	}
	if t.Schedule.Hold < 0 {
		return fmt.Errorf("content: %s: schedule.hold must be a non-negative integer, got %d", id, t.Schedule.Hold)
	}
	if t.Schedule.Timeout < 0 {
		return fmt.Errorf("content: %s: schedule.timeout must be a non-negative integer, got %d", id, t.Schedule.Timeout)
	}
	if t.Priority < 0 || t.Priority > 10 {
		return fmt.Errorf("content: %s: priority must be between 0 and 10, got %d", id, t.Priority)
	}
	if t.Truncation != "" && !board.ValidTruncation(t.Truncation) {
		return fmt.Errorf("content: %s: truncation must be one of ellipsis, hard, word, got %q", id, t.Truncation)
	}
	if t.Schedule.RefreshInterval != 0 && t.Schedule.RefreshInterval < minRefresh {
		return fmt.Errorf("content: %s: schedule.refresh_interval must be at least %ds, got %d", id, minRefresh, t.Schedule.RefreshInterval)
	}
	if len(t.Templates) == 0 && t.Integration == "" {
		return fmt.Errorf("content: %s: must have templates and/or integration", id)
	}
	return nil
}
