package support

import (
	"context"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/cache"
	"github.com/gofhir/profilevalidator/pkg/logger"
	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/snapshot"
	"github.com/gofhir/profilevalidator/pkg/terminology"
)

// Snapshotting generates snapshots for differential-only definitions
// returned by the wrapped support. Other capabilities pass through.
type Snapshotting struct {
	ValidationSupport
	gen *snapshot.Generator
}

// NewSnapshotting wraps next. Base definitions are fetched from next.
func NewSnapshotting(next ValidationSupport) *Snapshotting {
	return &Snapshotting{ValidationSupport: next, gen: snapshot.New(next)}
}

// Name implements Module.
func (s *Snapshotting) Name() string { return "snapshotting(" + s.ValidationSupport.Name() + ")" }

// FetchStructureDefinitions returns the wrapped definitions with snapshots.
// A definition whose snapshot cannot be generated is returned as-is.
func (s *Snapshotting) FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error) {
	defs, err := s.ValidationSupport.FetchStructureDefinitions(ctx, url)
	if err != nil {
		return nil, err
	}

	out := make([]*registry.Definition, len(defs))
	for i, def := range defs {
		full, err := s.gen.Generate(ctx, def)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Cannot generate snapshot for %s: %v", def.Canonical(), err)
			full = def
		}
		out[i] = full
	}
	return out, nil
}

type codeKey struct {
	system, code, valueSet string
}

// Cache memoizes every capability of the wrapped support, keyed by
// operation and arguments. Entries are never evicted; errors are not
// memoized.
type Cache struct {
	next        ValidationSupport
	definitions *cache.Memo[string, []*registry.Definition]
	codeSystems *cache.Memo[string, *r4.CodeSystem]
	valueSets   *cache.Memo[string, *r4.ValueSet]
	codes       *cache.Memo[codeKey, *terminology.Result]
}

// NewCache wraps next.
func NewCache(next ValidationSupport) *Cache {
	return &Cache{
		next:        next,
		definitions: cache.New[string, []*registry.Definition](),
		codeSystems: cache.New[string, *r4.CodeSystem](),
		valueSets:   cache.New[string, *r4.ValueSet](),
		codes:       cache.New[codeKey, *terminology.Result](),
	}
}

// Name implements Module.
func (c *Cache) Name() string { return "cache(" + c.next.Name() + ")" }

// FetchStructureDefinitions implements StructureDefinitionSupplier.
func (c *Cache) FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error) {
	return c.definitions.GetOrCompute(url, func() ([]*registry.Definition, error) {
		return c.next.FetchStructureDefinitions(ctx, url)
	})
}

// FetchCodeSystem implements CodeSystemSupplier.
func (c *Cache) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	return c.codeSystems.GetOrCompute(url, func() (*r4.CodeSystem, error) {
		return c.next.FetchCodeSystem(ctx, url)
	})
}

// FetchValueSet implements ValueSetSupplier.
func (c *Cache) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	return c.valueSets.GetOrCompute(url, func() (*r4.ValueSet, error) {
		return c.next.FetchValueSet(ctx, url)
	})
}

// ValidateCode implements CodeValidator.
func (c *Cache) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*terminology.Result, error) {
	key := codeKey{system: system, code: code, valueSet: valueSetURL}
	return c.codes.GetOrCompute(key, func() (*terminology.Result, error) {
		return c.next.ValidateCode(ctx, system, code, valueSetURL)
	})
}

// Stats returns the definition memo statistics.
func (c *Cache) Stats() cache.Stats {
	return c.definitions.Stats()
}

var (
	_ ValidationSupport = (*Snapshotting)(nil)
	_ ValidationSupport = (*Cache)(nil)
)
