// Package registry holds profile definitions indexed by canonical URL.
//
// Several definitions may share a URL as long as their versions differ.
// Definitions are immutable once registered.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofhir/profilevalidator/pkg/canonical"
)

// StructureDefinition.kind and derivation values.
const (
	KindResource      = "resource"
	KindComplexType   = "complex-type"
	KindPrimitiveType = "primitive-type"

	DerivationConstraint     = "constraint"
	DerivationSpecialization = "specialization"
)

// Unbounded is the MaxOccurs value for elements without an upper limit.
const Unbounded = "*"

// ErrMissingURL is returned when registering a definition without a URL.
var ErrMissingURL = errors.New("definition has no url")

// DuplicateVersionError is returned when a (url, version) pair is
// registered twice.
type DuplicateVersionError struct {
	URL     string
	Version string
}

func (e *DuplicateVersionError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("duplicate definition for %s (no version)", e.URL)
	}
	return fmt.Sprintf("duplicate definition for %s|%s", e.URL, e.Version)
}

// Binding is a terminology binding on an element.
type Binding struct {
	Strength string // required | extensible | preferred | example
	ValueSet string
}

// Invariant is a FHIRPath constraint declared on an element.
type Invariant struct {
	Key        string
	Severity   string // error | warning
	Human      string
	Expression string
}

// FieldConstraint is one snapshot element of a definition.
type FieldConstraint struct {
	ID         string
	Path       string
	SliceName  string
	MinOccurs  int
	MaxOccurs  string // "*" or a non-negative integer
	Types      []string
	Binding    *Binding
	Invariants []Invariant
}

// IsRoot reports whether the field is the definition's root element.
func (f *FieldConstraint) IsRoot() bool {
	return !strings.Contains(f.Path, ".")
}

// IsSlice reports whether the field describes a named slice.
func (f *FieldConstraint) IsSlice() bool {
	return f.SliceName != "" || strings.Contains(f.ID, ":")
}

// MaxLimit returns the numeric upper bound and false when unbounded or
// unparseable.
func (f *FieldConstraint) MaxLimit() (int, bool) {
	if f.MaxOccurs == "" || f.MaxOccurs == Unbounded {
		return 0, false
	}
	n, err := strconv.Atoi(f.MaxOccurs)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ElementDelta is one differential element. Nil pointers mean "not
// constrained by this definition".
type ElementDelta struct {
	ID         string
	Path       string
	SliceName  string
	Min        *int
	Max        *string
	Types      []string
	Binding    *Binding
	Invariants []Invariant
}

// Definition is a profile: a named, versioned set of field constraints
// applying to one resource type.
type Definition struct {
	URL            string
	Version        string
	Name           string
	Type           string
	Kind           string
	Abstract       bool
	BaseDefinition string
	Derivation     string

	// Fields is the ordered snapshot.
	Fields []FieldConstraint

	// Differential is the ordered list of changes against BaseDefinition.
	Differential []ElementDelta
}

// HasSnapshot reports whether the definition carries a snapshot.
func (d *Definition) HasSnapshot() bool {
	return len(d.Fields) > 0
}

// Canonical renders the definition identity as url|version, or url when the
// version is empty.
func (d *Definition) Canonical() string {
	return canonical.New(d.URL, d.Version).String()
}

// Root returns the root field, or nil.
func (d *Definition) Root() *FieldConstraint {
	for i := range d.Fields {
		if d.Fields[i].IsRoot() {
			return &d.Fields[i]
		}
	}
	return nil
}

// Field returns the first non-slice field with the given path, or nil.
func (d *Definition) Field(path string) *FieldConstraint {
	for i := range d.Fields {
		if d.Fields[i].Path == path && !d.Fields[i].IsSlice() {
			return &d.Fields[i]
		}
	}
	return nil
}

// Registry holds definitions indexed by URL.
type Registry struct {
	mu    sync.RWMutex
	byURL map[string][]*Definition
	total int
}

// New creates a new empty Registry.
func New() *Registry {
	return &Registry{
		byURL: make(map[string][]*Definition),
	}
}

// Register adds a definition. The (url, version) pair must be new.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.URL == "" {
		return ErrMissingURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byURL[def.URL] {
		if existing.Version == def.Version {
			return &DuplicateVersionError{URL: def.URL, Version: def.Version}
		}
	}
	r.byURL[def.URL] = append(r.byURL[def.URL], def)
	r.total++
	return nil
}

// LookupAll returns every definition registered under url, in insertion
// order. The returned slice is a copy.
func (r *Registry) LookupAll(url string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := r.byURL[url]
	if len(defs) == 0 {
		return nil
	}
	out := make([]*Definition, len(defs))
	copy(out, defs)
	return out
}

// Lookup returns the definition with exactly this url and version.
func (r *Registry) Lookup(url, version string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.byURL[url] {
		if def.Version == version {
			return def, true
		}
	}
	return nil, false
}

// FetchStructureDefinitions returns all versions registered under url.
// An unknown url yields an empty slice and no error.
func (r *Registry) FetchStructureDefinitions(ctx context.Context, url string) ([]*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.LookupAll(url), nil
}

// Count returns the number of registered definitions (all versions).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// URLs returns all registered URLs, sorted.
func (r *Registry) URLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	urls := make([]string, 0, len(r.byURL))
	for url := range r.byURL {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// GetSDForResource returns the core StructureDefinition URL for a type.
func GetSDForResource(resourceType string) string {
	return "http://hl7.org/fhir/StructureDefinition/" + resourceType
}
