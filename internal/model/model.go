package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Output is what a model produces for one input snapshot. Embedding models
// fill Vector; scalar models fill Value.
type Output struct {
	Vector []float32
	Value  any
}

// Model is the single invocable contract every listener binds to, regardless
// of what implements it behind the reference.
type Model interface {
	Infer(ctx context.Context, input map[string]any) (Output, error)
}

// Factory builds a model from the opaque part of its reference.
type Factory func(ref string) (Model, error)

// Catalog resolves model references of the form scheme://rest to loaded
// models, caching by full reference.
type Catalog struct {
	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]Model
}

// NewCatalog returns a catalog with the built-in schemes registered.
func NewCatalog() *Catalog {
	c := &Catalog{
		factories: make(map[string]Factory),
		loaded:    make(map[string]Model),
	}
	c.RegisterScheme("hash", newHashModel)
	return c
}

// RegisterScheme binds a factory to a reference scheme. Later registrations
// replace earlier ones.
func (c *Catalog) RegisterScheme(scheme string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[scheme] = factory
}

// Resolve loads the model behind a reference.
func (c *Catalog) Resolve(ref string) (Model, error) {
	scheme, rest, found := strings.Cut(ref, "://")
	if !found || scheme == "" {
		return nil, fmt.Errorf("malformed model reference %q", ref)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if loaded, ok := c.loaded[ref]; ok {
		return loaded, nil
	}
	factory, ok := c.factories[scheme]
	if !ok {
		return nil, fmt.Errorf("unknown model scheme %q", scheme)
	}
	loaded, err := factory(rest)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", ref, err)
	}
	c.loaded[ref] = loaded
	return loaded, nil
}
