package scheduler

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flapboard/flapboard/content"
	"github.com/flapboard/flapboard/observability"
)

// Overrides supplies per-template schedule overrides from the configuration
// file, keyed "<file_stem>.<template_name>".
type Overrides interface {
	ScheduleOverride(templateID string) map[string]any
}

// Registrar owns the cron engine. Each content file's templates become cron
// jobs whose only action is to enqueue a message; reloading a file swaps its
// jobs atomically, and a file that fails to parse or validate leaves the
// previously registered jobs untouched.
type Registrar struct {
	queue     *Queue
	overrides Overrides
	cfg       Config

	// PublicMode skips templates not marked public.
	PublicMode bool

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // job id -> cron entry
}

func NewRegistrar(queue *Queue, overrides Overrides, cfg Config) *Registrar {
	return &Registrar{
		queue:     queue,
		overrides: overrides,
		cfg:       cfg,
		cron:      cron.New(), // standard 5-field expressions
		entries:   make(map[string]cron.EntryID),
	}
}

func (r *Registrar) Start() { r.cron.Start() }

// Stop halts the cron engine; running enqueue callbacks are instantaneous so
// there is nothing to drain.
func (r *Registrar) Stop() { r.cron.Stop() }

type pendingJob struct {
	id       string
	spec     string
	priority int
	hold     time.Duration
	timeout  time.Duration
	data     Data
}

// LoadFile validates f and atomically replaces every job under its namespace
// prefix with the file's current templates. Templates marked webhook-only
// with no cron expression are not registered; they exist purely for webhook
// dispatch.
func (r *Registrar) LoadFile(f *content.File) error {
	if err := f.Validate(int(r.cfg.RefreshMinInterval / time.Second)); err != nil {
		return err
	}

	names := make([]string, 0, len(f.Templates))
	for name := range f.Templates {
		names = append(names, name)
	}
	sort.Strings(names)

	var jobs []pendingJob
	for _, name := range names {
		tmpl := f.Templates[name]
		if r.PublicMode && !tmpl.IsPublic() {
			continue
		}
		job, ok, err := r.buildJob(f, name, tmpl)
		if err != nil {
			return err
		}
		if ok {
			jobs = append(jobs, job)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePrefixLocked(f.Stem + ".")
	for _, job := range jobs {
		job := job
		id, err := r.cron.AddFunc(job.spec, func() {
			r.queue.Enqueue(&Message{
				Priority: job.priority,
				Name:     job.id,
				Data:     job.data,
				Hold:     job.hold,
				Timeout:  job.timeout,
			})
			observability.MessagesEnqueued.WithLabelValues("cron").Inc()
		})
		if err != nil {
			// buildJob already parsed the cron expression; reaching here is a bug.
			log.Printf("Failed to register %s: %v", job.id, err)
			continue
		}
		r.entries[job.id] = id
		log.Printf("  · %s  cron=%q  priority=%d  hold=%s  timeout=%s",
			strings.TrimPrefix(job.id, f.Stem+"."), job.spec, job.priority, job.hold, job.timeout)
	}
	observability.CronJobs.Set(float64(len(r.entries)))
	return nil
}

// buildJob applies config overrides and returns the registrable job. ok is
// false for webhook-only templates.
func (r *Registrar) buildJob(f *content.File, name string, tmpl *content.Template) (pendingJob, bool, error) {
	id := f.Stem + "." + name
	spec := strings.TrimSpace(tmpl.Schedule.Cron)
	priority := tmpl.Priority
	hold := tmpl.Schedule.Hold
	timeout := tmpl.Schedule.Timeout
	refresh := tmpl.Schedule.RefreshInterval

	override := r.overrides.ScheduleOverride(f.FileStem + "." + name)
	if v, ok := override["cron"].(string); ok && strings.TrimSpace(v) != "" {
		spec = strings.TrimSpace(v)
	}
	if v, ok := overrideInt(override, "hold"); ok && v >= 0 {
		hold = v
	}
	if v, ok := overrideInt(override, "timeout"); ok && v >= 0 {
		timeout = v
	}
	if v, ok := overrideInt(override, "refresh_interval"); ok {
		if time.Duration(v)*time.Second >= r.cfg.RefreshMinInterval {
			refresh = v
		} else {
			log.Printf("Warning: ignoring refresh_interval override for %s: %ds is below the %s floor",
				id, v, r.cfg.RefreshMinInterval)
		}
	}
	if v, ok := overrideInt(override, "priority"); ok {
		if v >= 0 && v <= 10 {
			priority = v
		} else {
			log.Printf("Warning: ignoring invalid priority override for %s: %d", id, v)
		}
	}

	if spec == "" {
		// Validation already guaranteed this template is webhook-only.
		return pendingJob{}, false, nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return pendingJob{}, false, fmt.Errorf("content: %s: invalid cron %q: %w", id, spec, err)
	}

	return pendingJob{
		id:       id,
		spec:     spec,
		priority: priority,
		hold:     time.Duration(hold) * time.Second,
		timeout:  time.Duration(timeout) * time.Second,
		data: Data{
			Templates:       tmpl.Templates,
			Variables:       f.Variables,
			Truncation:      tmpl.EffectiveTruncation(),
			Integration:     tmpl.Integration,
			IntegrationFn:   tmpl.EffectiveIntegrationFn(),
			RefreshInterval: time.Duration(refresh) * time.Second,
		},
	}, true, nil
}

func overrideInt(override map[string]any, key string) (int, bool) {
	switch v := override[key].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// RemovePrefix unregisters every job whose id starts with prefix. Used when
// a content file disappears.
func (r *Registrar) RemovePrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePrefixLocked(prefix)
	observability.CronJobs.Set(float64(len(r.entries)))
}

func (r *Registrar) removePrefixLocked(prefix string) {
	for id, entry := range r.entries {
		if strings.HasPrefix(id, prefix) {
			r.cron.Remove(entry)
			delete(r.entries, id)
		}
	}
}

// Jobs returns the registered job ids, sorted.
func (r *Registrar) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
