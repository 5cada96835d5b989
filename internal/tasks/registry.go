// Package tasks maps task names to handlers and runs them.
package tasks

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
)

// Handler executes one job. Results must be JSON-encodable.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Options are per-task defaults applied to jobs that don't override them.
type Options struct {
	Description string
	Timeout     time.Duration
	MaxRetries  *int
	RetryDelay  time.Duration
	Queue       string
	Version     string
	// Async handlers run on their own goroutine so the caller can stop
	// waiting when its context ends.
	Async bool
}

type Option func(*Options)

func WithDescription(d string) Option       { return func(o *Options) { o.Description = d } }
func WithTimeout(d time.Duration) Option    { return func(o *Options) { o.Timeout = d } }
func WithRetryDelay(d time.Duration) Option { return func(o *Options) { o.RetryDelay = d } }
func WithQueue(q string) Option             { return func(o *Options) { o.Queue = q } }
func WithVersion(v string) Option           { return func(o *Options) { o.Version = v } }
func WithAsync() Option                     { return func(o *Options) { o.Async = true } }
func WithMaxRetries(n int) Option           { return func(o *Options) { o.MaxRetries = &n } }
func WithOptions(src Options) Option        { return func(o *Options) { *o = src } }

// Task is a registered handler with its options.
type Task struct {
	Name    string
	Handler Handler
	Options
}

type taskKey struct {
	name    string
	version string
}

// Registry holds handlers keyed by (name, version). Dotted names unknown to
// the registry are offered to the resolvers and cached on success.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[taskKey]*Task
	resolvers []Resolver
	log       zerolog.Logger
}

func NewRegistry(logger *zerolog.Logger, resolvers ...Resolver) *Registry {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Registry{
		tasks:     make(map[taskKey]*Task),
		resolvers: resolvers,
		log:       l.With().Str("component", "tasks").Logger(),
	}
}

// AddResolver appends a resolver consulted by Import.
func (r *Registry) AddResolver(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// Register adds or replaces the handler for name at the version in opts.
func (r *Registry) Register(name string, h Handler, opts ...Option) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.NewValidationError("name", "task name is required")
	}
	if h == nil {
		return domain.NewValidationError("handler", "task %s has no handler", name)
	}
	t := &Task{Name: name, Handler: h}
	for _, o := range opts {
		o(&t.Options)
	}
	if t.MaxRetries != nil && *t.MaxRetries < 0 {
		return domain.NewValidationError("max_retries", "must be >= 0")
	}
	k := taskKey{name: name, version: t.Version}

	r.mu.Lock()
	_, exists := r.tasks[k]
	r.tasks[k] = t
	r.mu.Unlock()

	if exists {
		r.log.Warn().Str("task", name).Str("version", t.Version).Msg("task handler replaced")
	} else {
		r.log.Debug().Str("task", name).Str("version", t.Version).Bool("async", t.Async).Msg("task registered")
	}
	return nil
}

// Get returns the exact (name, version) registration, falling back to the
// unversioned one when a specific version is absent.
func (r *Registry) Get(name, version string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tasks[taskKey{name, version}]; ok {
		return t, true
	}
	if version != "" {
		t, ok := r.tasks[taskKey{name, ""}]
		return t, ok
	}
	return nil, false
}

// Import resolves a dotted "module.function" name through the resolvers and
// registers the first hit. It never fails loudly.
func (r *Registry) Import(name string) (*Task, bool) {
	if !strings.Contains(name, ".") {
		return nil, false
	}
	r.mu.RLock()
	resolvers := append([]Resolver(nil), r.resolvers...)
	r.mu.RUnlock()
	for _, res := range resolvers {
		h, ok := res.Resolve(name)
		if !ok || h == nil {
			continue
		}
		if err := r.Register(name, h); err != nil {
			r.log.Warn().Err(err).Str("task", name).Msg("resolved task rejected")
			return nil, false
		}
		r.log.Info().Str("task", name).Msg("task imported")
		return r.Get(name, "")
	}
	return nil, false
}

// Lookup is Get followed by Import, failing with domain.ErrTaskNotFound.
func (r *Registry) Lookup(name, version string) (*Task, error) {
	if t, ok := r.Get(name, version); ok {
		return t, nil
	}
	if t, ok := r.Import(name); ok {
		return t, nil
	}
	return nil, domain.TaskNotFound(name)
}

// Names lists registered task names, sorted and deduplicated across versions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.tasks))
	out := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		if _, ok := seen[k.name]; ok {
			continue
		}
		seen[k.name] = struct{}{}
		out = append(out, k.name)
	}
	sort.Strings(out)
	return out
}

// Execute runs the named task. Sync handlers run on the calling goroutine;
// async handlers run on their own and Execute returns early with ctx.Err()
// if ctx ends first.
func (r *Registry) Execute(ctx context.Context, name string, args []any, kwargs map[string]any, version string) (any, error) {
	t, err := r.Lookup(name, version)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if !t.Async {
		return invoke(ctx, t, args, kwargs)
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := invoke(ctx, t, args, kwargs)
		done <- outcome{v, err}
	}()
	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func invoke(ctx context.Context, t *Task, args []any, kwargs map[string]any) (res any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, &PanicError{Task: t.Name, Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return t.Handler(ctx, args, kwargs)
}
