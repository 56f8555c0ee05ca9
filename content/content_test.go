package content

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleContent = `{
	"variables": {
		"greeting": [["HELLO"], ["HOWDY"]]
	},
	"templates": {
		"morning": {
			"schedule": {"cron": "0 9 * * *", "hold": 60, "timeout": 300},
			"priority": 4,
			"templates": [{"format": ["{greeting}", "GOOD MORNING"]}]
		},
		"live": {
			"schedule": {"cron": "*/15 * * * *", "refresh_interval": 60},
			"priority": 2,
			"integration": "weather"
		}
	}
}`

func writeContentFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "user")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeContentFile(t, dir, "demo.json", sampleContent)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Stem != "user.demo" {
		t.Errorf("Expected stem user.demo, got %s", f.Stem)
	}
	if f.FileStem != "demo" {
		t.Errorf("Expected file stem demo, got %s", f.FileStem)
	}
	if len(f.Templates) != 2 {
		t.Fatalf("Expected 2 templates, got %d", len(f.Templates))
	}
	if got := len(f.Variables["greeting"]); got != 2 {
		t.Errorf("Expected 2 greeting options, got %d", got)
	}
	if err := f.Validate(30); err != nil {
		t.Errorf("Expected sample content to validate, got %v", err)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected an error for a missing file")
	}

	path := writeContentFile(t, dir, "bad.json", `{"templates": `)
	if _, err := LoadFile(path); err == nil {
		t.Error("Expected an error for malformed JSON")
	}

	path = writeContentFile(t, dir, "empty.json", `{"variables": {}}`)
	if _, err := LoadFile(path); err == nil {
		t.Error("Expected an error for a file without templates")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Template)
		wantErr string
	}{
		{"priority too high", func(tm *Template) { tm.Priority = 11 }, "priority"},
		{"priority negative", func(tm *Template) { tm.Priority = -1 }, "priority"},
		{"missing cron", func(tm *Template) { tm.Schedule.Cron = "  " }, "cron"},
		{"negative hold", func(tm *Template) { tm.Schedule.Hold = -1 }, "hold"},
		{"negative timeout", func(tm *Template) { tm.Schedule.Timeout = -5 }, "timeout"},
		{"bad truncation", func(tm *Template) { tm.Truncation = "chop" }, "truncation"},
		{"refresh below floor", func(tm *Template) { tm.Schedule.RefreshInterval = 10 }, "refresh_interval"},
		{"no templates or integration", func(tm *Template) { tm.Templates = nil; tm.Integration = "" }, "templates"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpl := &Template{
				Schedule:    Schedule{Cron: "* * * * *", Hold: 60, Timeout: 300},
				Priority:    5,
				Integration: "weather",
			}
			tc.mutate(tmpl)
			f := &File{Templates: map[string]*Template{"x": tmpl}, Stem: "user.demo"}
			err := f.Validate(30)
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateBoundaries(t *testing.T) {
	for _, priority := range []int{0, 10} {
		tmpl := &Template{
			Schedule:    Schedule{Cron: "* * * * *"},
			Priority:    priority,
			Integration: "weather",
		}
		f := &File{Templates: map[string]*Template{"x": tmpl}, Stem: "user.demo"}
		if err := f.Validate(30); err != nil {
			t.Errorf("Expected priority %d to validate, got %v", priority, err)
		}
	}
}

func TestValidateWebhookOnlyNeedsNoCron(t *testing.T) {
	tmpl := &Template{
		Webhook:     true,
		Priority:    8,
		Integration: "plex",
	}
	f := &File{Templates: map[string]*Template{"now_playing": tmpl}, Stem: "contrib.plex"}
	if err := f.Validate(30); err != nil {
		t.Errorf("Expected a webhook-only template to validate without cron, got %v", err)
	}
}

func TestTemplateDefaults(t *testing.T) {
	tmpl := &Template{}
	if !tmpl.IsPublic() {
		t.Error("Expected templates public by default")
	}
	pub := false
	tmpl.Public = &pub
	if tmpl.IsPublic() {
		t.Error("Expected public=false respected")
	}
	if got := (&Template{}).EffectiveTruncation(); got != "hard" {
		t.Errorf("Expected default truncation hard, got %s", got)
	}
	if got := (&Template{}).EffectiveIntegrationFn(); got != "get_variables" {
		t.Errorf("Expected default provider get_variables, got %s", got)
	}
}
