package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/flapboard/flapboard/board"
)

// VariablesFunc produces fresh template variables for a message.
type VariablesFunc func(ctx context.Context) (board.Variables, error)

// WebhookFunc translates an external webhook payload into a display message,
// or nil to discard the event.
type WebhookFunc func(ctx context.Context, payload map[string]any) (*WebhookMessage, error)

// Integration is one pluggable content source. Any subset of the three
// capabilities may be present; the webhook server returns 404 for
// integrations with a nil Webhook, and the worker rejects provider names
// missing from Vars.
type Integration struct {
	// Vars maps provider function names (content files pick one with
	// integration_fn) to providers. "get_variables" is the default.
	Vars map[string]VariablesFunc

	Webhook WebhookFunc

	// Preflight runs once at startup, e.g. to kick off a long-running OAuth
	// flow.
	Preflight func(ctx context.Context) error
}

// Constructor builds an integration on first use. Return a
// *MissingDependenciesError when required config or credentials are absent.
type Constructor func() (*Integration, error)

// Registry is the allowlist of known integrations. Names not registered here
// do not exist as far as the scheduler is concerned; the webhook server
// never maps a request path to anything but this table. Instances are cached
// after the first successful construction.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	cache        map[string]*Integration
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		cache:        make(map[string]*Integration),
	}
}

// Register adds an integration to the allowlist. Call during startup wiring
// only.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// Known reports whether name is in the allowlist.
func (r *Registry) Known(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.constructors[name]
	return ok
}

// Names returns the allowlist, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the integration instance, constructing and caching it on first
// use. A *MissingDependenciesError from the constructor passes through
// unwrapped so callers can distinguish it.
func (r *Registry) Get(name string) (*Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.cache[name]; ok {
		return inst, nil
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown integration: %q", name)
	}
	inst, err := ctor()
	if err != nil {
		return nil, err
	}
	r.cache[name] = inst
	return inst, nil
}

// Preflight instantiates every registered integration and runs its preflight
// hook. Failures are logged and skipped; an integration with missing
// dependencies simply stays unavailable until its config is fixed.
func (r *Registry) Preflight(ctx context.Context) {
	for _, name := range r.Names() {
		inst, err := r.Get(name)
		if err != nil {
			log.Printf("Integration %s unavailable: %v", name, err)
			continue
		}
		if inst.Preflight == nil {
			continue
		}
		if err := inst.Preflight(ctx); err != nil {
			log.Printf("Integration %s preflight failed: %v", name, err)
		}
	}
}
