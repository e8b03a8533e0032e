package invariant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/profilevalidator/pkg/instance"
	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/registry"
)

const profileURL = "http://example.org/StructureDefinition/NamedPatient"

func definition(invariants ...registry.Invariant) *registry.Definition {
	return &registry.Definition{
		URL:     profileURL,
		Version: "1.0.0",
		Type:    "Patient",
		Fields: []registry.FieldConstraint{
			{ID: "Patient", Path: "Patient", MaxOccurs: "*", Invariants: invariants},
			{ID: "Patient.name", Path: "Patient.name", MaxOccurs: "*"},
		},
	}
}

func parse(t *testing.T, raw string) *instance.Resource {
	t.Helper()
	res, err := instance.Parse([]byte(raw))
	require.NoError(t, err)
	return res
}

func TestInvariantFailure(t *testing.T) {
	def := definition(registry.Invariant{Key: "pat-1", Severity: "error", Human: "Patient must have a name", Expression: "name.exists()"})
	e := New()

	got := e.Evaluate(parse(t, `{"resourceType":"Patient"}`), def)
	require.Len(t, got, 1)
	assert.Equal(t, "Constraint failed: pat-1: 'Patient must have a name' (from "+profileURL+"|1.0.0)", got[0].Text)
	assert.Equal(t, issue.SeverityError, got[0].Severity)
	assert.Equal(t, issue.SourceInvariant, got[0].Source)

	assert.Empty(t, e.Evaluate(parse(t, `{"resourceType":"Patient","name":[{"family":"x"}]}`), def))
	assert.Equal(t, 1, e.CachedExpressions())
}

func TestWarningSeverity(t *testing.T) {
	def := definition(registry.Invariant{Key: "pat-2", Severity: "warning", Human: "should be active", Expression: "active.exists()"})
	got := New().Evaluate(parse(t, `{"resourceType":"Patient"}`), def)
	require.Len(t, got, 1)
	assert.Equal(t, issue.SeverityWarning, got[0].Severity)
}

func TestCompileError(t *testing.T) {
	def := definition(registry.Invariant{Key: "bad-1", Severity: "error", Human: "broken", Expression: "name.exists(("})
	got := New().Evaluate(parse(t, `{"resourceType":"Patient"}`), def)
	require.Len(t, got, 1)
	assert.Equal(t, issue.DiagConstraintCompileError, got[0].MessageID)
	assert.Equal(t, issue.SeverityWarning, got[0].Severity)
}

func TestNoRootOrNoInvariants(t *testing.T) {
	res := parse(t, `{"resourceType":"Patient"}`)
	assert.Empty(t, New().Evaluate(res, definition()))
	assert.Empty(t, New().Evaluate(res, &registry.Definition{URL: profileURL, Type: "Patient"}))
}
