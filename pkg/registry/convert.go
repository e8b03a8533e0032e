package registry

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/loader"
	"github.com/gofhir/profilevalidator/pkg/logger"
)

// LoadFromPackages parses every StructureDefinition of the packages, in
// order, and registers it. Unparseable definitions are skipped with a
// warning; a duplicate (url, version) aborts loading.
func (r *Registry) LoadFromPackages(packages []*loader.Package) error {
	for _, pkg := range packages {
		loaded := 0
		for _, res := range pkg.OfType("StructureDefinition") {
			def, err := ParseStructureDefinition(res.Data)
			if err != nil {
				logger.Warn("Skipping %s: %v", res.Source, err)
				continue
			}
			if err := r.Register(def); err != nil {
				return fmt.Errorf("package %s: %w", pkg.Name, err)
			}
			loaded++
		}
		logger.Debug("Loaded %d StructureDefinitions from %s", loaded, pkg.Name)
	}
	return nil
}

// ParseStructureDefinition parses StructureDefinition JSON into a Definition.
func ParseStructureDefinition(data []byte) (*Definition, error) {
	var sd r4.StructureDefinition
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse StructureDefinition: %w", err)
	}
	def := FromR4(&sd)
	if def.URL == "" {
		return nil, ErrMissingURL
	}
	return def, nil
}

// FromR4 converts an r4.StructureDefinition to a Definition.
func FromR4(sd *r4.StructureDefinition) *Definition {
	def := &Definition{
		URL:            derefString(sd.Url),
		Version:        derefString(sd.Version),
		Name:           derefString(sd.Name),
		Type:           derefString(sd.Type),
		Kind:           derefCode(sd.Kind),
		Abstract:       derefBool(sd.Abstract),
		BaseDefinition: derefString(sd.BaseDefinition),
		Derivation:     derefCode(sd.Derivation),
	}

	if sd.Snapshot != nil {
		def.Fields = make([]FieldConstraint, 0, len(sd.Snapshot.Element))
		for i := range sd.Snapshot.Element {
			def.Fields = append(def.Fields, convertField(&sd.Snapshot.Element[i]))
		}
	}

	if sd.Differential != nil {
		def.Differential = make([]ElementDelta, 0, len(sd.Differential.Element))
		for i := range sd.Differential.Element {
			def.Differential = append(def.Differential, convertDelta(&sd.Differential.Element[i]))
		}
	}

	return def
}

func convertField(ed *r4.ElementDefinition) FieldConstraint {
	max := derefString(ed.Max)
	if max == "" {
		max = Unbounded
	}
	return FieldConstraint{
		ID:         derefString(ed.Id),
		Path:       derefString(ed.Path),
		SliceName:  derefString(ed.SliceName),
		MinOccurs:  convertMin(ed.Min),
		MaxOccurs:  max,
		Types:      convertTypes(ed.Type),
		Binding:    convertBinding(ed.Binding),
		Invariants: convertConstraints(ed.Constraint),
	}
}

func convertDelta(ed *r4.ElementDefinition) ElementDelta {
	delta := ElementDelta{
		ID:         derefString(ed.Id),
		Path:       derefString(ed.Path),
		SliceName:  derefString(ed.SliceName),
		Max:        ed.Max,
		Types:      convertTypes(ed.Type),
		Binding:    convertBinding(ed.Binding),
		Invariants: convertConstraints(ed.Constraint),
	}
	if ed.Min != nil {
		m := int(*ed.Min)
		delta.Min = &m
	}
	return delta
}

func convertTypes(types []r4.ElementDefinitionType) []string {
	if len(types) == 0 {
		return nil
	}
	result := make([]string, 0, len(types))
	for i := range types {
		if code := derefString(types[i].Code); code != "" {
			result = append(result, code)
		}
	}
	return result
}

func convertBinding(binding *r4.ElementDefinitionBinding) *Binding {
	if binding == nil {
		return nil
	}
	return &Binding{
		Strength: derefCode(binding.Strength),
		ValueSet: derefString(binding.ValueSet),
	}
}

func convertConstraints(constraints []r4.ElementDefinitionConstraint) []Invariant {
	if len(constraints) == 0 {
		return nil
	}
	result := make([]Invariant, 0, len(constraints))
	for i := range constraints {
		c := &constraints[i]
		result = append(result, Invariant{
			Key:        derefString(c.Key),
			Severity:   derefCode(c.Severity),
			Human:      derefString(c.Human),
			Expression: derefString(c.Expression),
		})
	}
	return result
}

func convertMin(minVal *uint32) int {
	if minVal == nil {
		return 0
	}
	return int(*minVal)
}

// Generic helpers

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

// derefCode dereferences any r4 code enum (StructureDefinitionKind,
// BindingStrength, ...).
func derefCode[T ~string](c *T) string {
	if c == nil {
		return ""
	}
	return string(*c)
}
