package binding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/profilevalidator/pkg/instance"
	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/terminology"
)

const (
	genderVS     = "http://hl7.org/fhir/ValueSet/administrative-gender"
	maritalVS    = "http://example.org/ValueSet/marital"
	maritalCS    = "http://example.org/CodeSystem/marital"
	unknownVS    = "http://example.org/ValueSet/unknown"
	profileURL   = "http://example.org/StructureDefinition/BoundPatient"
	profileCanon = profileURL + "|1.0.0"
)

func codes(t *testing.T) *terminology.InMemory {
	t.Helper()
	store := terminology.NewStore()
	store.AddCodeSystem("http://hl7.org/fhir/administrative-gender", map[string]string{
		"male": "Male", "female": "Female", "other": "Other", "unknown": "Unknown",
	})
	store.AddValueSet(genderVS, "http://hl7.org/fhir/administrative-gender")
	store.AddCodeSystem(maritalCS, map[string]string{"M": "Married", "S": "Single"})
	store.AddValueSet(maritalVS, maritalCS)
	return terminology.NewInMemory(store)
}

func bound(path, strength, valueSet string) registry.FieldConstraint {
	return registry.FieldConstraint{
		ID: path, Path: path, MaxOccurs: "1",
		Binding: &registry.Binding{Strength: strength, ValueSet: valueSet},
	}
}

func profile(fields ...registry.FieldConstraint) *registry.Definition {
	root := registry.FieldConstraint{ID: "Patient", Path: "Patient", MaxOccurs: "*"}
	return &registry.Definition{
		URL:     profileURL,
		Version: "1.0.0",
		Type:    "Patient",
		Fields:  append([]registry.FieldConstraint{root}, fields...),
	}
}

func parse(t *testing.T, raw string) *instance.Resource {
	t.Helper()
	res, err := instance.Parse([]byte(raw))
	require.NoError(t, err)
	return res
}

func TestRequiredCodeBinding(t *testing.T) {
	def := profile(bound("Patient.gender", StrengthRequired, genderVS))
	e := New(codes(t))

	ok, err := e.Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","gender":"female"}`), def)
	require.NoError(t, err)
	assert.Empty(t, ok)

	bad, err := e.Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","gender":"nope"}`), def)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, issue.DiagBindingRequired, bad[0].MessageID)
	assert.Equal(t, "Patient.gender", bad[0].Location)
	assert.Equal(t,
		"The value provided ('nope') is not in the value set '"+genderVS+"' (required) (from "+profileCanon+")",
		bad[0].Text)
}

func TestNonRequiredBindingsIgnored(t *testing.T) {
	def := profile(bound("Patient.gender", StrengthExtensible, genderVS))
	msgs, err := New(codes(t)).Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","gender":"nope"}`), def)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCodeableConceptAnyCodingPasses(t *testing.T) {
	def := profile(bound("Patient.maritalStatus", StrengthRequired, maritalVS))
	e := New(codes(t))

	ok, err := e.Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","maritalStatus":{"coding":[
		{"system":"http://other.org","code":"x"},
		{"system":"`+maritalCS+`","code":"M"}]}}`), def)
	require.NoError(t, err)
	assert.Empty(t, ok)

	bad, err := e.Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","maritalStatus":{"coding":[
		{"system":"`+maritalCS+`","code":"X"}]}}`), def)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "Patient.maritalStatus.coding[0]", bad[0].Location)
	assert.Contains(t, bad[0].Text, maritalCS+"#X")

	textOnly, err := e.Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","maritalStatus":{"text":"married"}}`), def)
	require.NoError(t, err)
	assert.Empty(t, textOnly)
}

func TestNestedArrayValuesCheckedPerItem(t *testing.T) {
	def := profile(
		registry.FieldConstraint{ID: "Patient.telecom", Path: "Patient.telecom", MaxOccurs: "*"},
		bound("Patient.telecom.system", StrengthRequired, maritalVS),
	)
	res := parse(t, `{"resourceType":"Patient","telecom":[{"system":"M"},{"system":"Q"}]}`)

	msgs, err := New(codes(t)).Evaluate(context.Background(), res, def)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Patient.telecom[1].system", msgs[0].Location)
}

func TestUnknownValueSetWarns(t *testing.T) {
	def := profile(bound("Patient.gender", StrengthRequired, unknownVS))
	msgs, err := New(codes(t)).Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","gender":"male"}`), def)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, issue.SeverityWarning, msgs[0].Severity)
	assert.Equal(t, issue.DiagBindingValueSetNotFound, msgs[0].MessageID)
}

func TestAbsentValueYieldsNothing(t *testing.T) {
	def := profile(bound("Patient.gender", StrengthRequired, genderVS))
	msgs, err := New(codes(t)).Evaluate(context.Background(), parse(t, `{"resourceType":"Patient"}`), def)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type failingValidator struct{}

func (failingValidator) ValidateCode(context.Context, string, string, string) (*terminology.Result, error) {
	return nil, errors.New("terminology down")
}

func TestValidatorErrorsPropagate(t *testing.T) {
	def := profile(bound("Patient.gender", StrengthRequired, genderVS))
	_, err := New(failingValidator{}).Evaluate(context.Background(), parse(t, `{"resourceType":"Patient","gender":"male"}`), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Patient.gender")
}
