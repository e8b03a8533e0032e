package support

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/terminology"
)

// Chain tries its modules in order for each capability.
type Chain struct {
	modules []Module
}

// NewChain creates a chain over modules.
func NewChain(modules ...Module) *Chain {
	return &Chain{modules: modules}
}

// Add appends a module to the chain.
func (c *Chain) Add(m Module) {
	c.modules = append(c.modules, m)
}

// Modules returns the modules in order.
func (c *Chain) Modules() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

// Name lists the module names.
func (c *Chain) Name() string {
	names := make([]string, len(c.modules))
	for i, m := range c.modules {
		names[i] = m.Name()
	}
	return "chain[" + strings.Join(names, ",") + "]"
}

// FetchStructureDefinitions returns the definitions every module knows for
// url, in module order. A (url, version) pair already supplied by an earlier
// module shadows the same pair in later ones.
func (c *Chain) FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error) {
	type key struct{ url, version string }
	var out []*registry.Definition
	seen := make(map[key]bool)
	for _, m := range c.modules {
		s, ok := m.(StructureDefinitionSupplier)
		if !ok {
			continue
		}
		defs, err := s.FetchStructureDefinitions(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name(), err)
		}
		for _, def := range defs {
			k := key{def.URL, def.Version}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, def)
		}
	}
	return out, nil
}

// FetchCodeSystem returns the first CodeSystem found for url.
func (c *Chain) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	for _, m := range c.modules {
		s, ok := m.(CodeSystemSupplier)
		if !ok {
			continue
		}
		cs, err := s.FetchCodeSystem(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name(), err)
		}
		if cs != nil {
			return cs, nil
		}
	}
	return nil, nil
}

// FetchValueSet returns the first ValueSet found for url.
func (c *Chain) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	for _, m := range c.modules {
		s, ok := m.(ValueSetSupplier)
		if !ok {
			continue
		}
		vs, err := s.FetchValueSet(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name(), err)
		}
		if vs != nil {
			return vs, nil
		}
	}
	return nil, nil
}

// ValidateCode returns the first module answer.
func (c *Chain) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*terminology.Result, error) {
	for _, m := range c.modules {
		v, ok := m.(CodeValidator)
		if !ok {
			continue
		}
		res, err := v.ValidateCode(ctx, system, code, valueSetURL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name(), err)
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

var _ ValidationSupport = (*Chain)(nil)
