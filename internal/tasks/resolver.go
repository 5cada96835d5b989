package tasks

import (
	"context"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Resolver locates a handler for a dotted "module.function" name. Returning
// false is the normal outcome for names it doesn't know.
type Resolver interface {
	Resolve(name string) (Handler, bool)
}

type ResolverFunc func(name string) (Handler, bool)

func (f ResolverFunc) Resolve(name string) (Handler, bool) { return f(name) }

func splitDotted(name string) (module, function string, ok bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// CatalogResolver serves handlers from a static module -> function table
// assembled at startup.
type CatalogResolver struct {
	mu      sync.RWMutex
	modules map[string]map[string]Handler
}

func NewCatalogResolver() *CatalogResolver {
	return &CatalogResolver{modules: make(map[string]map[string]Handler)}
}

// Add registers module.function; it returns c for chaining.
func (c *CatalogResolver) Add(module, function string, h Handler) *CatalogResolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns, ok := c.modules[module]
	if !ok {
		fns = make(map[string]Handler)
		c.modules[module] = fns
	}
	fns[function] = h
	return c
}

func (c *CatalogResolver) Resolve(name string) (Handler, bool) {
	module, function, ok := splitDotted(name)
	if !ok {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.modules[module][function]
	return h, ok
}

// PluginResolver loads <Dir>/<module>.so and looks up the exported symbol
// for function (capitalized if needed). The symbol may be a Handler, a
// plain func with the Handler signature, or a pointer to either.
type PluginResolver struct {
	Dir string

	mu     sync.Mutex
	opened map[string]*plugin.Plugin
}

func NewPluginResolver(dir string) *PluginResolver {
	return &PluginResolver{Dir: dir, opened: make(map[string]*plugin.Plugin)}
}

func (p *PluginResolver) Resolve(name string) (Handler, bool) {
	module, function, ok := splitDotted(name)
	if !ok || p.Dir == "" {
		return nil, false
	}
	pl, err := p.open(module)
	if err != nil {
		return nil, false
	}
	sym, err := pl.Lookup(exported(function))
	if err != nil {
		return nil, false
	}
	switch h := sym.(type) {
	case Handler:
		return h, true
	case *Handler:
		return *h, *h != nil
	case func(context.Context, []any, map[string]any) (any, error):
		return Handler(h), true
	case *func(context.Context, []any, map[string]any) (any, error):
		return Handler(*h), *h != nil
	default:
		return nil, false
	}
}

func (p *PluginResolver) open(module string) (*plugin.Plugin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.opened[module]; ok {
		return pl, nil
	}
	path := filepath.Join(p.Dir, strings.ReplaceAll(module, ".", string(filepath.Separator))+".so")
	pl, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	p.opened[module] = pl
	return pl, nil
}

func exported(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
