// Package cardinality checks an instance against the min/max occurrence
// limits declared by a profile definition.
package cardinality

import (
	"github.com/gofhir/profilevalidator/pkg/instance"
	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/registry"
)

// Evaluator performs cardinality evaluation. It is stateless and safe for
// concurrent use.
type Evaluator struct{}

// New creates a new Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns one message per violated limit, in the definition's
// field order. A definition for a different resource type yields a single
// type mismatch message.
func (e *Evaluator) Evaluate(res *instance.Resource, def *registry.Definition) []issue.Message {
	profile := def.Canonical()

	if def.Type != "" && def.Type != res.Type {
		return []issue.Message{issue.NewMessage(issue.DiagProfileTypeMismatch, map[string]any{
			"type":    def.Type,
			"profile": profile,
			"found":   res.Type,
		}, res.Type)}
	}

	var messages []issue.Message
	for i := range def.Fields {
		field := &def.Fields[i]
		if field.IsRoot() || field.IsSlice() {
			continue
		}
		messages = append(messages, e.evaluateField(res, field, profile)...)
	}
	return messages
}

// evaluateField counts the field inside every present occurrence of its
// parent element. Absent parents produce nothing.
func (e *Evaluator) evaluateField(res *instance.Resource, field *registry.FieldConstraint, profile string) []issue.Message {
	maxLimit, bounded := field.MaxLimit()
	if field.MinOccurs == 0 && !bounded {
		return nil
	}

	name := instance.LastSegment(field.Path)
	var messages []issue.Message

	for _, parent := range res.Select(field.Path) {
		obj, ok := parent.Value.(map[string]any)
		if !ok {
			continue
		}

		count := instance.Count(obj, name, field.Types...)
		location := parent.Path + "." + name

		if count < field.MinOccurs {
			messages = append(messages, issue.NewMessage(issue.DiagCardinalityMin, map[string]any{
				"path":    field.Path,
				"min":     field.MinOccurs,
				"count":   count,
				"profile": profile,
			}, location))
		}

		if bounded && count > maxLimit {
			messages = append(messages, issue.NewMessage(issue.DiagCardinalityMax, map[string]any{
				"path":    field.Path,
				"max":     field.MaxOccurs,
				"count":   count,
				"profile": profile,
			}, location))
		}
	}
	return messages
}
