// Package binding checks coded values against the required terminology
// bindings of a profile.
package binding

import (
	"context"
	"fmt"

	"github.com/gofhir/profilevalidator/pkg/instance"
	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/support"
)

// Binding strength constants.
const (
	StrengthRequired   = "required"
	StrengthExtensible = "extensible"
)

// Evaluator validates required bindings through a code validator.
type Evaluator struct {
	codes support.CodeValidator
}

// New creates an Evaluator that asks codes for membership.
func New(codes support.CodeValidator) *Evaluator {
	return &Evaluator{codes: codes}
}

// coded is one code found in the instance.
type coded struct {
	system   string
	code     string
	location string
}

// Evaluate checks every present value of every field with a required
// binding. code, Coding and CodeableConcept values are understood; a
// CodeableConcept passes when any of its codings is valid. Errors come only
// from the code validator.
func (e *Evaluator) Evaluate(ctx context.Context, res *instance.Resource, def *registry.Definition) ([]issue.Message, error) {
	profile := def.Canonical()
	var messages []issue.Message

	for i := range def.Fields {
		field := &def.Fields[i]
		if field.Binding == nil || field.Binding.Strength != StrengthRequired || field.Binding.ValueSet == "" {
			continue
		}
		if field.IsRoot() || field.IsSlice() {
			continue
		}

		name := instance.LastSegment(field.Path)
		for _, parent := range res.Select(field.Path) {
			obj, ok := parent.Value.(map[string]any)
			if !ok {
				continue
			}
			key, value, ok := instance.Lookup(obj, name)
			if !ok || value == nil {
				continue
			}

			location := parent.Path + "." + key
			items, isArr := value.([]any)
			if !isArr {
				items = []any{value}
			}

			for idx, item := range items {
				loc := location
				if isArr {
					loc = fmt.Sprintf("%s[%d]", location, idx)
				}
				msgs, err := e.check(ctx, item, loc, field.Binding.ValueSet, profile)
				if err != nil {
					return messages, err
				}
				messages = append(messages, msgs...)
			}
		}
	}
	return messages, nil
}

// check validates one bound value. For a CodeableConcept a single valid
// coding accepts the whole value.
func (e *Evaluator) check(ctx context.Context, value any, location, valueSet, profile string) ([]issue.Message, error) {
	candidates := extractCodes(value, location)
	if len(candidates) == 0 {
		return nil, nil
	}

	var failed []coded
	for _, c := range candidates {
		res, err := e.codes.ValidateCode(ctx, c.system, c.code, valueSet)
		if err != nil {
			return nil, fmt.Errorf("validating %s: %w", c.location, err)
		}
		if res == nil {
			return []issue.Message{issue.NewMessage(issue.DiagBindingValueSetNotFound,
				map[string]any{"valueSet": valueSet, "code": c.code}, c.location)}, nil
		}
		if res.Valid {
			return nil, nil
		}
		failed = append(failed, c)
	}

	messages := make([]issue.Message, 0, len(failed))
	for _, c := range failed {
		messages = append(messages, issue.NewMessage(issue.DiagBindingRequired, map[string]any{
			"code":     display(c),
			"valueSet": valueSet,
			"profile":  profile,
		}, c.location))
	}
	return messages, nil
}

// extractCodes reads a code, Coding or CodeableConcept value.
func extractCodes(value any, location string) []coded {
	switch v := value.(type) {
	case string:
		return []coded{{code: v, location: location}}
	case map[string]any:
		if codings, ok := v["coding"].([]any); ok {
			var out []coded
			for i, item := range codings {
				if coding, ok := item.(map[string]any); ok {
					if c, ok := codingOf(coding, fmt.Sprintf("%s.coding[%d]", location, i)); ok {
						out = append(out, c)
					}
				}
			}
			return out
		}
		if c, ok := codingOf(v, location); ok {
			return []coded{c}
		}
	}
	return nil
}

func codingOf(m map[string]any, location string) (coded, bool) {
	code, _ := m["code"].(string)
	if code == "" {
		return coded{}, false
	}
	system, _ := m["system"].(string)
	return coded{system: system, code: code, location: location}, true
}

func display(c coded) string {
	if c.system == "" {
		return c.code
	}
	return c.system + "#" + c.code
}
