// Package support composes validation support modules: suppliers of
// StructureDefinitions, CodeSystems and ValueSets, and code validators.
//
// Each module implements Module plus any subset of the capability
// interfaces. A Chain asks its modules in order and the first one with an
// answer wins, the way HAPI FHIR's ValidationSupportChain does.
package support

import (
	"context"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/terminology"
)

// Module is a named validation support module.
type Module interface {
	Name() string
}

// StructureDefinitionSupplier returns every known version of a definition.
// An unknown URL yields an empty slice and no error.
type StructureDefinitionSupplier interface {
	FetchStructureDefinitions(ctx context.Context, url string) ([]*registry.Definition, error)
}

// CodeSystemSupplier returns a CodeSystem, or nil when unknown.
type CodeSystemSupplier interface {
	FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error)
}

// ValueSetSupplier returns a ValueSet, or nil when unknown.
type ValueSetSupplier interface {
	FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error)
}

// CodeValidator checks a code. A nil result with a nil error means the
// module cannot answer for this value set or system.
type CodeValidator interface {
	ValidateCode(ctx context.Context, system, code, valueSetURL string) (*terminology.Result, error)
}

// ValidationSupport is the full capability set offered by a Chain and its
// decorators.
type ValidationSupport interface {
	Module
	StructureDefinitionSupplier
	CodeSystemSupplier
	ValueSetSupplier
	CodeValidator
}
