// Package snapshot derives a full element list for differential-only
// definitions by overlaying the differential onto the base definition.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofhir/profilevalidator/pkg/canonical"
	"github.com/gofhir/profilevalidator/pkg/logger"
	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/resolver"
)

// ErrCircularBase is returned when a definition's base chain loops.
var ErrCircularBase = errors.New("circular baseDefinition chain")

// Generator builds snapshots using base definitions from a source.
type Generator struct {
	resolver *resolver.Resolver
}

// New creates a Generator that looks up base definitions in source.
func New(source resolver.Source) *Generator {
	return &Generator{resolver: resolver.New(source)}
}

// Generate returns def unchanged when it has a snapshot. Otherwise it
// returns a new Definition whose Fields are the base snapshot with the
// differential applied. def itself is never modified.
func (g *Generator) Generate(ctx context.Context, def *registry.Definition) (*registry.Definition, error) {
	return g.generate(ctx, def, make(map[string]bool))
}

func (g *Generator) generate(ctx context.Context, def *registry.Definition, visiting map[string]bool) (*registry.Definition, error) {
	if def.HasSnapshot() {
		return def, nil
	}

	key := def.Canonical()
	if visiting[key] {
		return nil, fmt.Errorf("%w at %s", ErrCircularBase, key)
	}
	visiting[key] = true
	defer delete(visiting, key)

	var fields []registry.FieldConstraint
	if baseURL := baseDefinition(def); baseURL != "" {
		base, err := g.base(ctx, def, baseURL, visiting)
		if err != nil {
			return nil, err
		}
		if base != nil {
			fields = cloneFields(base.Fields, base.Type, def.Type)
		}
	}

	for i := range def.Differential {
		fields = apply(fields, &def.Differential[i])
	}

	if !hasRoot(fields) {
		root := registry.FieldConstraint{ID: def.Type, Path: def.Type, MaxOccurs: registry.Unbounded}
		fields = append([]registry.FieldConstraint{root}, fields...)
	}

	out := *def
	out.Fields = fields
	logger.Debug("Generated snapshot for %s: %d elements", key, len(fields))
	return &out, nil
}

// baseDefinition returns the URL def derives from. A constraint profile
// without a baseDefinition constrains the core definition of its type.
func baseDefinition(def *registry.Definition) string {
	if def.BaseDefinition != "" {
		return def.BaseDefinition
	}
	if def.Derivation == registry.DerivationConstraint && def.Type != "" {
		return registry.GetSDForResource(def.Type)
	}
	return ""
}

// base resolves and snapshots the base definition. A missing base is logged
// and yields nil.
func (g *Generator) base(ctx context.Context, def *registry.Definition, baseURL string, visiting map[string]bool) (*registry.Definition, error) {
	ref, err := canonical.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseDefinition of %s: %w", def.Canonical(), err)
	}

	outcome, err := g.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !outcome.Resolved() {
		logger.Warn("Base definition %s of %s not found; using differential only", ref, def.Canonical())
		return nil, nil
	}

	return g.generate(ctx, outcome.Definition, visiting)
}

// cloneFields deep-copies fields, renaming the root type when a
// specialization derives from a different type.
func cloneFields(src []registry.FieldConstraint, fromType, toType string) []registry.FieldConstraint {
	out := make([]registry.FieldConstraint, len(src))
	for i, f := range src {
		f.Types = append([]string(nil), f.Types...)
		f.Invariants = append([]registry.Invariant(nil), f.Invariants...)
		if f.Binding != nil {
			b := *f.Binding
			f.Binding = &b
		}
		if fromType != "" && toType != "" && fromType != toType {
			f.Path = rebase(f.Path, fromType, toType)
			f.ID = rebase(f.ID, fromType, toType)
		}
		out[i] = f
	}
	return out
}

func rebase(path, fromType, toType string) string {
	if path == fromType {
		return toType
	}
	if rest, ok := strings.CutPrefix(path, fromType+"."); ok {
		return toType + "." + rest
	}
	return path
}

func hasRoot(fields []registry.FieldConstraint) bool {
	for i := range fields {
		if fields[i].IsRoot() && !fields[i].IsSlice() {
			return true
		}
	}
	return false
}

// apply overlays one differential element onto fields, inserting it when no
// element matches.
func apply(fields []registry.FieldConstraint, delta *registry.ElementDelta) []registry.FieldConstraint {
	if idx := find(fields, delta); idx >= 0 {
		overlay(&fields[idx], delta)
		return fields
	}

	f := newField(fields, delta)
	overlay(&f, delta)
	at := insertionPoint(fields, delta)
	fields = append(fields, registry.FieldConstraint{})
	copy(fields[at+1:], fields[at:])
	fields[at] = f
	return fields
}

// find matches by id for elements inside slices, by path+slice otherwise.
func find(fields []registry.FieldConstraint, delta *registry.ElementDelta) int {
	insideSlice := delta.SliceName == "" && strings.Contains(delta.ID, ":")
	for i := range fields {
		f := &fields[i]
		if insideSlice {
			if f.ID == delta.ID {
				return i
			}
			continue
		}
		if f.Path == delta.Path && f.SliceName == delta.SliceName && (delta.SliceName != "" || !strings.Contains(f.ID, ":")) {
			return i
		}
	}
	return -1
}

// newField starts a slice from its sliced element; other new elements start
// optional and unbounded.
func newField(fields []registry.FieldConstraint, delta *registry.ElementDelta) registry.FieldConstraint {
	if delta.SliceName != "" {
		for i := range fields {
			if fields[i].Path == delta.Path && !fields[i].IsSlice() {
				f := cloneFields(fields[i:i+1], "", "")[0]
				f.ID = delta.ID
				f.SliceName = delta.SliceName
				f.MinOccurs = 0
				return f
			}
		}
	}
	return registry.FieldConstraint{
		ID:        delta.ID,
		Path:      delta.Path,
		SliceName: delta.SliceName,
		MaxOccurs: registry.Unbounded,
	}
}

func overlay(f *registry.FieldConstraint, delta *registry.ElementDelta) {
	if delta.Min != nil {
		f.MinOccurs = *delta.Min
	}
	if delta.Max != nil && *delta.Max != "" {
		f.MaxOccurs = *delta.Max
	}
	if len(delta.Types) > 0 {
		f.Types = append([]string(nil), delta.Types...)
	}
	if delta.Binding != nil {
		b := *delta.Binding
		f.Binding = &b
	}
	for _, inv := range delta.Invariants {
		if !hasInvariant(f.Invariants, inv.Key) {
			f.Invariants = append(f.Invariants, inv)
		}
	}
}

func hasInvariant(invs []registry.Invariant, key string) bool {
	for _, inv := range invs {
		if inv.Key == key {
			return true
		}
	}
	return false
}

// insertionPoint returns the index just past the subtree of the new
// element's anchor: the sliced element for slices, the parent otherwise.
// Without an anchor the element is appended.
func insertionPoint(fields []registry.FieldConstraint, delta *registry.ElementDelta) int {
	anchorPath := delta.Path
	anchorID := ""
	if delta.SliceName == "" {
		i := strings.LastIndexByte(delta.Path, '.')
		if i < 0 {
			return 0
		}
		anchorPath = delta.Path[:i]
		if j := strings.LastIndexByte(delta.ID, '.'); j >= 0 && strings.Contains(delta.ID, ":") {
			anchorID = delta.ID[:j]
		}
	}

	anchor := -1
	for i := range fields {
		if anchorID != "" {
			if fields[i].ID == anchorID {
				anchor = i
				break
			}
			continue
		}
		if fields[i].Path == anchorPath && !fields[i].IsSlice() {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return len(fields)
	}

	end := anchor + 1
	prefix := fields[anchor].Path + "."
	for end < len(fields) {
		p := fields[end].Path
		if strings.HasPrefix(p, prefix) || (p == fields[anchor].Path && fields[end].IsSlice()) {
			end++
			continue
		}
		break
	}
	return end
}
