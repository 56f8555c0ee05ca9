// Package config loads the flapd TOML configuration file.
//
// Load it once at startup; all read accessors are safe to call from any
// goroutine afterwards. WriteSectionValues persists generated values (such as
// the webhook secret) back to the file without disturbing comments or other
// sections.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config is the parsed configuration: a map of [section] tables to key/value
// pairs. Values keep their TOML types; the accessors below coerce to what the
// callers need.
type Config struct {
	path string

	mu   sync.RWMutex
	data map[string]any
}

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	data := make(map[string]any)
	if err := toml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &Config{path: path, data: data}, nil
}

func (c *Config) Path() string { return c.path }

func (c *Config) section(name string) map[string]any {
	sec, _ := c.data[name].(map[string]any)
	return sec
}

// Get returns a required string value, or an error naming the missing key.
func (c *Config) Get(section, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.section(section)[key]
	if !ok || fmt.Sprintf("%v", val) == "" {
		return "", fmt.Errorf("config: missing required key [%s].%s in %s", section, key, c.path)
	}
	return fmt.Sprintf("%v", val), nil
}

// GetOptional returns a string value, or def when the section or key is
// absent.
func (c *Config) GetOptional(section, key, def string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.section(section)[key]
	if !ok {
		return def
	}
	return fmt.Sprintf("%v", val)
}

// ScheduleOverride returns the schedule override table for a template id of
// the form "<file_stem>.<template_name>", read from
// [<file_stem>.schedules.<template_name>]. Returns an empty map when no
// override is configured.
func (c *Config) ScheduleOverride(templateID string) map[string]any {
	stem, name, ok := strings.Cut(templateID, ".")
	if !ok {
		return map[string]any{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	schedules, _ := c.section(stem)["schedules"].(map[string]any)
	override, _ := schedules[name].(map[string]any)
	out := make(map[string]any, len(override))
	for k, v := range override {
		out[k] = v
	}
	return out
}

// WriteSectionValues writes key/value pairs into [section] of the config
// file in place, updating the in-memory cache as well. Comments and other
// sections are preserved; both active and commented-out versions of a key
// are replaced, and new keys are appended to the end of the section.
func (c *Config) WriteSectionValues(section string, values map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", c.path, err)
	}
	lines := strings.SplitAfter(string(raw), "\n")
	// SplitAfter leaves a trailing empty element when the file ends in \n.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	sectionStart := -1
	sectionEnd := len(lines)
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "["+section+"]" {
			sectionStart = i + 1
		} else if sectionStart >= 0 && strings.HasPrefix(stripped, "[") && !strings.HasPrefix(stripped, "#") {
			sectionEnd = i
			break
		}
	}
	if sectionStart < 0 {
		return fmt.Errorf("config: no [%s] section found in %s", section, c.path)
	}

	sectionLines := append([]string(nil), lines[sectionStart:sectionEnd]...)
	for key, value := range values {
		var valStr string
		if s, ok := value.(string); ok {
			valStr = fmt.Sprintf("%q", s)
		} else {
			valStr = fmt.Sprintf("%v", value)
		}
		newLine := fmt.Sprintf("%s = %s\n", key, valStr)
		active := regexp.MustCompile(`^` + regexp.QuoteMeta(key) + `\s*=`)
		commented := regexp.MustCompile(`^#\s*` + regexp.QuoteMeta(key) + `\s*=`)
		found := false
		for j, sl := range sectionLines {
			if active.MatchString(sl) || commented.MatchString(sl) {
				sectionLines[j] = newLine
				found = true
				break
			}
		}
		if !found {
			sectionLines = append(sectionLines, newLine)
		}
	}

	out := strings.Join(lines[:sectionStart], "") + strings.Join(sectionLines, "") + strings.Join(lines[sectionEnd:], "")
	if err := os.WriteFile(c.path, []byte(out), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", c.path, err)
	}

	sec, ok := c.data[section].(map[string]any)
	if !ok {
		sec = make(map[string]any)
		c.data[section] = sec
	}
	for k, v := range values {
		sec[k] = v
	}
	return nil
}
