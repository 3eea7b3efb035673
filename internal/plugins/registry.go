package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/peerwire/internal/protocol/payload"
	"github.com/danmuck/peerwire/internal/services"
	"github.com/danmuck/peerwire/internal/services/kv"
	"github.com/danmuck/peerwire/internal/services/sum"
)

var (
	ErrUnknownPlugin = errors.New("plugins: unknown plugin")
	ErrPluginExists  = errors.New("plugins: plugin already added")
)

type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Builtin holds the demo services shipped with peerd.
func Builtin() *Catalog {
	c := NewCatalog()
	_ = c.Add(sum.Namespace, func() Plugin { return sum.New() })
	_ = c.Add(kv.Namespace, func() Plugin { return kv.NewStore() })
	return c
}

func (c *Catalog) Add(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || f == nil {
		return fmt.Errorf("plugins: name and factory required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrPluginExists, name)
	}
	c.factories[name] = f
	return nil
}

func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[name]
	return ok
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build returns a registry serving a fresh instance of the named plugin.
func (c *Catalog) Build(name string, codec payload.Codec) (*services.Registry, error) {
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	p := f()
	if p.Namespace() != name {
		return nil, fmt.Errorf("plugins: %s built a plugin for namespace %s", name, p.Namespace())
	}
	reg := services.NewRegistry(p.Namespace(), codec)
	if err := p.Register(reg); err != nil {
		return nil, fmt.Errorf("plugins: register %s: %w", name, err)
	}
	return reg, nil
}
