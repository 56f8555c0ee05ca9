package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flapboard/flapboard/scheduler"
)

const demoContent = `{
	"templates": {
		"hello": {
			"schedule": {"cron": "* * * * *", "hold": 60},
			"priority": 3,
			"templates": [{"format": ["HELLO"]}]
		}
	}
}`

const demoContentV2 = `{
	"templates": {
		"hello": {
			"schedule": {"cron": "*/5 * * * *", "hold": 60},
			"priority": 3,
			"templates": [{"format": ["HELLO AGAIN"]}]
		},
		"extra": {
			"schedule": {"cron": "0 12 * * *", "hold": 60},
			"priority": 3,
			"templates": [{"format": ["EXTRA"]}]
		}
	}
}`

type noOverrides struct{}

func (noOverrides) ScheduleOverride(string) map[string]any { return nil }

func newTestWatcher(t *testing.T) (*ContentWatcher, *scheduler.Registrar, string) {
	t.Helper()
	root := t.TempDir()
	userDir := filepath.Join(root, "user")
	if err := os.Mkdir(userDir, 0o755); err != nil {
		t.Fatal(err)
	}
	registrar := scheduler.NewRegistrar(scheduler.NewQueue(), noOverrides{}, scheduler.DefaultConfig())
	w := NewContentWatcher(registrar, []contentDir{{path: userDir}})
	return w, registrar, userDir
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWatcherLoadAll(t *testing.T) {
	w, registrar, dir := newTestWatcher(t)
	writeFile(t, dir, "demo.json", demoContent)

	if loaded := w.LoadAll(); loaded != 1 {
		t.Fatalf("Expected 1 file loaded, got %d", loaded)
	}
	jobs := registrar.Jobs()
	if len(jobs) != 1 || jobs[0] != "user.demo.hello" {
		t.Errorf("Expected user.demo.hello registered, got %v", jobs)
	}

	if _, ok := w.ContentTemplate("demo.hello"); !ok {
		t.Error("Expected the template indexed under its bare id")
	}
}

func TestWatcherReloadsChangedFile(t *testing.T) {
	w, registrar, dir := newTestWatcher(t)
	path := writeFile(t, dir, "demo.json", demoContent)
	w.LoadAll()

	writeFile(t, dir, "demo.json", demoContentV2)
	// Force a distinct mtime; coarse filesystem timestamps would otherwise
	// hide a quick rewrite.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	w.sweep()

	jobs := registrar.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs after reload, got %v", jobs)
	}
	if _, ok := w.ContentTemplate("demo.extra"); !ok {
		t.Error("Expected the new template indexed after reload")
	}
}

func TestWatcherPicksUpNewFile(t *testing.T) {
	w, registrar, dir := newTestWatcher(t)
	w.LoadAll()

	writeFile(t, dir, "late.json", demoContent)
	w.sweep()

	jobs := registrar.Jobs()
	if len(jobs) != 1 || jobs[0] != "user.late.hello" {
		t.Errorf("Expected the new file registered, got %v", jobs)
	}
}

func TestWatcherUnregistersRemovedFile(t *testing.T) {
	w, registrar, dir := newTestWatcher(t)
	path := writeFile(t, dir, "demo.json", demoContent)
	w.LoadAll()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.sweep()

	if jobs := registrar.Jobs(); len(jobs) != 0 {
		t.Errorf("Expected no jobs after removal, got %v", jobs)
	}
	if _, ok := w.ContentTemplate("demo.hello"); ok {
		t.Error("Expected the template index cleared after removal")
	}
}

func TestWatcherBadFileLeavesJobs(t *testing.T) {
	w, registrar, dir := newTestWatcher(t)
	path := writeFile(t, dir, "demo.json", demoContent)
	w.LoadAll()

	writeFile(t, dir, "demo.json", `{"templates": {"hello": {"schedule": {"cron": "bogus"}, "priority": 3, "templates": [{"format": ["X"]}]}}}`)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	w.sweep()

	jobs := registrar.Jobs()
	if len(jobs) != 1 || jobs[0] != "user.demo.hello" {
		t.Errorf("Expected the previous registration to survive a bad rewrite, got %v", jobs)
	}
}

func TestWatcherContribFilter(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "user")
	contribDir := filepath.Join(root, "contrib")
	for _, dir := range []string{userDir, contribDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, contribDir, "wanted.json", demoContent)
	writeFile(t, contribDir, "unwanted.json", demoContent)

	registrar := scheduler.NewRegistrar(scheduler.NewQueue(), noOverrides{}, scheduler.DefaultConfig())
	w := NewContentWatcher(registrar, contentDirs(root, "wanted"))

	w.LoadAll()

	jobs := registrar.Jobs()
	if len(jobs) != 1 || jobs[0] != "contrib.wanted.hello" {
		t.Errorf("Expected only the enabled contrib file loaded, got %v", jobs)
	}
}
