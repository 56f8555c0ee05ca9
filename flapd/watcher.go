package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flapboard/flapboard/content"
	"github.com/flapboard/flapboard/scheduler"
)

const watchInterval = 5 * time.Second

// ContentWatcher loads the JSON content files and keeps them loaded: a
// polling goroutine compares mtimes every few seconds, reloading changed
// files and unregistering the jobs of removed ones. A file that fails to
// parse or validate is logged and skipped; its previously registered jobs
// stay as they were.
//
// It also indexes every loaded template by "<file_stem>.<template_name>" so
// webhook integrations can read their display config from content files.
type ContentWatcher struct {
	registrar *scheduler.Registrar
	dirs      []contentDir

	mu        sync.Mutex
	mtimes    map[string]time.Time
	stems     map[string]string // path -> namespace stem of the last good load
	templates map[string]*content.Template
}

type contentDir struct {
	path string
	// enabled filters by file stem; nil means every file loads.
	enabled func(stem string) bool
}

func NewContentWatcher(registrar *scheduler.Registrar, dirs []contentDir) *ContentWatcher {
	return &ContentWatcher{
		registrar: registrar,
		dirs:      dirs,
		mtimes:    make(map[string]time.Time),
		stems:     make(map[string]string),
		templates: make(map[string]*content.Template),
	}
}

// ContentTemplate returns the loaded template with the given bare
// "<file_stem>.<template_name>" id.
func (w *ContentWatcher) ContentTemplate(id string) (*content.Template, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tmpl, ok := w.templates[id]
	return tmpl, ok
}

// LoadAll performs the initial synchronous load and returns the number of
// files registered.
func (w *ContentWatcher) LoadAll() int {
	loaded := 0
	for _, path := range w.scan() {
		if w.loadFile(path) {
			loaded++
		}
	}
	return loaded
}

// Watch polls for content changes until ctx is cancelled.
func (w *ContentWatcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// scan returns the eligible content file paths, sorted for deterministic
// load order.
func (w *ContentWatcher) scan() []string {
	var paths []string
	for _, dir := range w.dirs {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			// Missing directories are fine; content may live in just one.
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			stem := strings.TrimSuffix(entry.Name(), ".json")
			if dir.enabled != nil && !dir.enabled(stem) {
				continue
			}
			paths = append(paths, filepath.Join(dir.path, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

func (w *ContentWatcher) sweep() {
	current := w.scan()
	seen := make(map[string]bool, len(current))

	for _, path := range current {
		seen[path] = true
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		w.mu.Lock()
		prev, known := w.mtimes[path]
		w.mu.Unlock()
		if known && prev.Equal(info.ModTime()) {
			continue
		}
		if known {
			log.Printf("Content file changed: %s", path)
		} else {
			log.Printf("Content file added: %s", path)
		}
		w.loadFile(path)
	}

	w.mu.Lock()
	var removed []string
	for path := range w.mtimes {
		if !seen[path] {
			removed = append(removed, path)
		}
	}
	w.mu.Unlock()

	for _, path := range removed {
		w.removeFile(path)
	}
}

// loadFile parses, registers and indexes one content file. Returns false on
// any failure, leaving previous registrations untouched.
func (w *ContentWatcher) loadFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("Error loading %s: %v", path, err)
		return false
	}

	f, err := content.LoadFile(path)
	if err != nil {
		log.Printf("Error loading %s: %v", path, err)
		return false
	}
	log.Printf("Loading %s:", path)
	if err := w.registrar.LoadFile(f); err != nil {
		log.Printf("Error loading %s: %v", path, err)
		return false
	}

	w.mu.Lock()
	w.mtimes[path] = info.ModTime()
	if prev, ok := w.stems[path]; ok && prev != f.Stem {
		w.dropTemplatesLocked(prev)
	}
	w.stems[path] = f.Stem
	w.dropTemplatesLocked(f.Stem)
	for name, tmpl := range f.Templates {
		w.templates[f.FileStem+"."+name] = tmpl
	}
	w.mu.Unlock()
	return true
}

func (w *ContentWatcher) removeFile(path string) {
	w.mu.Lock()
	stem := w.stems[path]
	delete(w.mtimes, path)
	delete(w.stems, path)
	if stem != "" {
		w.dropTemplatesLocked(stem)
	}
	w.mu.Unlock()

	if stem != "" {
		log.Printf("Content file removed: %s, unregistering %s.*", path, stem)
		w.registrar.RemovePrefix(stem + ".")
	}
}

// dropTemplatesLocked removes index entries for the file with the given
// namespace stem. Index keys use the bare file stem, the part after the
// directory prefix.
func (w *ContentWatcher) dropTemplatesLocked(stem string) {
	bare := stem
	if _, rest, ok := strings.Cut(stem, "."); ok {
		bare = rest
	}
	for id := range w.templates {
		if strings.HasPrefix(id, bare+".") {
			delete(w.templates, id)
		}
	}
}
