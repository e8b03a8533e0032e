package support

import (
	"context"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/terminology"
)

// DefaultProfile supplies the base FHIR definitions loaded from core
// packages.
type DefaultProfile struct {
	reg *registry.Registry
}

// NewDefaultProfile creates the module over a registry of core definitions.
func NewDefaultProfile(reg *registry.Registry) *DefaultProfile {
	return &DefaultProfile{reg: reg}
}

// Name implements Module.
func (d *DefaultProfile) Name() string { return "default-profile" }

// FetchStructureDefinitions implements StructureDefinitionSupplier.
func (d *DefaultProfile) FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error) {
	return d.reg.FetchStructureDefinitions(ctx, url)
}

// PrePopulated supplies custom definitions and terminology loaded at setup.
type PrePopulated struct {
	reg   *registry.Registry
	terms *terminology.InMemory
}

// NewPrePopulated creates the module. store may be nil.
func NewPrePopulated(reg *registry.Registry, store *terminology.Store) *PrePopulated {
	if store == nil {
		store = terminology.NewStore()
	}
	return &PrePopulated{reg: reg, terms: terminology.NewInMemory(store)}
}

// Name implements Module.
func (p *PrePopulated) Name() string { return "pre-populated" }

// Registry returns the custom definition registry.
func (p *PrePopulated) Registry() *registry.Registry { return p.reg }

// FetchStructureDefinitions implements StructureDefinitionSupplier.
func (p *PrePopulated) FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error) {
	return p.reg.FetchStructureDefinitions(ctx, url)
}

// FetchCodeSystem implements CodeSystemSupplier.
func (p *PrePopulated) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	return p.terms.FetchCodeSystem(ctx, url)
}

// FetchValueSet implements ValueSetSupplier.
func (p *PrePopulated) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	return p.terms.FetchValueSet(ctx, url)
}

// ValidateCode implements CodeValidator.
func (p *PrePopulated) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*terminology.Result, error) {
	return p.terms.ValidateCode(ctx, system, code, valueSetURL)
}

var (
	_ StructureDefinitionSupplier = (*DefaultProfile)(nil)
	_ ValidationSupport           = (*PrePopulated)(nil)
	_ CodeValidator               = (*terminology.InMemory)(nil)
	_ CodeValidator               = (*terminology.CommonCodeSystems)(nil)
	_ ValueSetSupplier            = (*terminology.InMemory)(nil)
)
