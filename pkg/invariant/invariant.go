// Package invariant evaluates the FHIRPath invariants declared on a
// profile's root element.
package invariant

import (
	"github.com/gofhir/fhirpath"

	"github.com/gofhir/profilevalidator/pkg/cache"
	"github.com/gofhir/profilevalidator/pkg/instance"
	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/registry"
)

// Evaluator evaluates invariants. Compiled expressions are cached, so one
// Evaluator should be shared.
type Evaluator struct {
	exprs *cache.Memo[string, *fhirpath.Expression]
}

// New creates a new Evaluator.
func New() *Evaluator {
	return &Evaluator{exprs: cache.New[string, *fhirpath.Expression]()}
}

// Evaluate checks every root-element invariant of def against res.
// Compile and evaluation failures become warnings; a failed invariant is an
// error or a warning according to its severity.
func (e *Evaluator) Evaluate(res *instance.Resource, def *registry.Definition) []issue.Message {
	root := def.Root()
	if root == nil || len(res.Raw) == 0 {
		return nil
	}

	profile := def.Canonical()
	var messages []issue.Message

	for _, inv := range root.Invariants {
		if inv.Expression == "" {
			continue
		}

		expr, err := e.compile(inv.Expression)
		if err != nil {
			messages = append(messages, issue.NewMessage(issue.DiagConstraintCompileError,
				map[string]any{"key": inv.Key, "error": err.Error()}, res.Type))
			continue
		}

		result, err := expr.Evaluate(res.Raw)
		if err != nil {
			messages = append(messages, issue.NewMessage(issue.DiagConstraintEvalError,
				map[string]any{"key": inv.Key, "error": err.Error()}, res.Type))
			continue
		}

		if passed(result) {
			continue
		}

		m := issue.NewMessage(issue.DiagConstraintFailed, map[string]any{
			"key":     inv.Key,
			"human":   inv.Human,
			"profile": profile,
		}, res.Type)
		if inv.Severity == "warning" {
			m.Severity = issue.SeverityWarning
		}
		messages = append(messages, m)
	}
	return messages
}

func (e *Evaluator) compile(expression string) (*fhirpath.Expression, error) {
	return e.exprs.GetOrCompute(expression, func() (*fhirpath.Expression, error) {
		return fhirpath.Compile(expression)
	})
}

// CachedExpressions returns the number of compiled expressions held.
func (e *Evaluator) CachedExpressions() int {
	return e.exprs.Len()
}

// passed treats an empty result as not applicable and a non-boolean result
// as truthy.
func passed(result fhirpath.Collection) bool {
	if result.Empty() {
		return true
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}
