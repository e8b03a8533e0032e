// Package resolver maps a profile reference to exactly one definition.
//
// A versioned reference resolves to that exact (url, version) pair or not at
// all. An unversioned reference resolves to the candidate with the highest
// semantic version.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/gofhir/profilevalidator/pkg/canonical"
	"github.com/gofhir/profilevalidator/pkg/registry"
)

// Source supplies every known version of a definition URL.
type Source interface {
	FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error)
}

// Outcome is the result of resolving one reference.
type Outcome struct {
	Reference  canonical.Reference
	Definition *registry.Definition
}

// Resolved reports whether a definition was selected.
func (o Outcome) Resolved() bool {
	return o.Definition != nil
}

// Resolver selects definitions from a Source.
type Resolver struct {
	source Source
}

// New creates a Resolver over source.
func New(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve selects the definition for ref. An unresolved reference is not an
// error; errors come only from the source (e.g. a cancelled context).
func (r *Resolver) Resolve(ctx context.Context, ref canonical.Reference) (Outcome, error) {
	out := Outcome{Reference: ref}

	candidates, err := r.source.FetchStructureDefinitions(ctx, ref.URL)
	if err != nil {
		return out, fmt.Errorf("failed to fetch %s: %w", ref.URL, err)
	}

	if ref.HasVersion() {
		for _, def := range candidates {
			if def.URL == ref.URL && def.Version == ref.Version {
				out.Definition = def
				break
			}
		}
		return out, nil
	}

	out.Definition = Latest(candidates)
	return out, nil
}

// Latest returns the definition with the highest version, or nil for an
// empty slice. Ties keep the earliest candidate.
func Latest(defs []*registry.Definition) *registry.Definition {
	var best *registry.Definition
	for _, def := range defs {
		if def == nil {
			continue
		}
		if best == nil || CompareVersions(def.Version, best.Version) > 0 {
			best = def
		}
	}
	return best
}

// CompareVersions orders two version strings. Semantic versions compare by
// precedence and rank above anything that does not parse; unparseable
// versions compare as strings. Equal precedence ("1.0" and "1.0.0") falls
// back to string order, so the result is a total order.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)

	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return c
		}
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	}
	return strings.Compare(a, b)
}
