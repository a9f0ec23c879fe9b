// Package toolcatalog is the per-kind directory of named tool
// constructors consumed by the worker runtime. The control plane only
// needs names and descriptions to validate an AgentConfig's tool list;
// constructing and invoking tools is the worker runtime's job, out of
// this package's scope.
package toolcatalog

import (
	"sync"

	"github.com/taskmesh/controlplane/internal/types"
)

// ToolDescriptor is everything the core needs to know about a tool.
type ToolDescriptor struct {
	Name        string
	Description string
}

// Factory produces the set of tools available to a given agent kind.
// The worker runtime supplies the actual implementation; the core only
// calls Tools.
type Factory interface {
	Tools() []ToolDescriptor
}

// Catalog is a per-kind directory of Factories: one registry per agent
// kind rather than a single global one, so each kind only ever sees the
// tools registered for it.
type Catalog struct {
	mu        sync.RWMutex
	factories map[types.Kind]Factory
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{factories: make(map[types.Kind]Factory)}
}

// RegisterFactory binds factory to kind. Returns IllegalState if a
// factory is already bound for that kind.
func (c *Catalog) RegisterFactory(kind types.Kind, factory Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.factories[kind]; ok {
		return types.NewError(types.ErrIllegalState, "tools factory already registered for kind %q", kind)
	}
	c.factories[kind] = factory
	return nil
}

// Tools returns the tool descriptors available for kind, or nil if no
// factory is bound.
func (c *Catalog) Tools(kind types.Kind) []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.factories[kind]
	if !ok {
		return nil
	}
	return f.Tools()
}

// Validate checks that every name in requested is known to kind's
// factory. An empty or nil requested list is always valid and means
// "no tools". Returns UnknownTool naming the first bad entry.
func (c *Catalog) Validate(kind types.Kind, requested []string) error {
	if len(requested) == 0 {
		return nil
	}

	available := make(map[string]struct{})
	for _, d := range c.Tools(kind) {
		available[d.Name] = struct{}{}
	}

	for _, name := range requested {
		if _, ok := available[name]; !ok {
			return types.NewError(types.ErrUnknownTool, "unknown tool %q for kind %q", name, kind)
		}
	}
	return nil
}

// StaticFactory is a Factory backed by a fixed slice, useful for tests
// and for simple worker-runtime integrations.
type StaticFactory []ToolDescriptor

func (s StaticFactory) Tools() []ToolDescriptor { return s }
