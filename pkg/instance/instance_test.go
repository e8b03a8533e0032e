package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patient = `{
  "resourceType": "Patient",
  "id": "p1",
  "meta": {"profile": ["http://example.org/A|1.0", 7, "http://example.org/B"]},
  "active": true,
  "name": [{"given": ["a", "b"]}, {"family": "x"}],
  "contact": [{"name": {"family": "c"}}, {"gender": "male"}],
  "deceasedBoolean": false,
  "gender": null
}`

func TestParse(t *testing.T) {
	res, err := Parse([]byte(patient))
	require.NoError(t, err)
	assert.Equal(t, "Patient", res.Type)
	assert.Equal(t, "p1", res.ID)
	assert.NotEmpty(t, res.Raw)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	_, err = Parse([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	_, err = Parse([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrNoResourceType)
}

func TestDeclaredProfiles(t *testing.T) {
	res, err := Parse([]byte(patient))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.org/A|1.0", "http://example.org/B"}, res.DeclaredProfiles())

	bare, err := Parse([]byte(`{"resourceType":"Patient"}`))
	require.NoError(t, err)
	assert.Empty(t, bare.DeclaredProfiles())
}

func TestCount(t *testing.T) {
	res, err := Parse([]byte(patient))
	require.NoError(t, err)

	assert.Equal(t, 1, Count(res.Data, "active"))
	assert.Equal(t, 2, Count(res.Data, "name"))
	assert.Equal(t, 0, Count(res.Data, "gender"), "null is absent")
	assert.Equal(t, 0, Count(res.Data, "birthDate"))
	assert.Equal(t, 1, Count(res.Data, "deceased[x]"))
	assert.Equal(t, 0, Count(res.Data, "multipleBirth[x]"))
	assert.Equal(t, 1, Count(res.Data, "deceased[x]", "boolean", "dateTime"))
	assert.Equal(t, 0, Count(res.Data, "deceased[x]", "dateTime"))
}

func TestSelect(t *testing.T) {
	res, err := Parse([]byte(patient))
	require.NoError(t, err)

	top := res.Select("Patient.active")
	require.Len(t, top, 1)
	assert.Equal(t, "Patient", top[0].Path)

	contacts := res.Select("Patient.contact.name")
	require.Len(t, contacts, 2)
	assert.Equal(t, "Patient.contact[0]", contacts[0].Path)
	assert.Equal(t, "Patient.contact[1]", contacts[1].Path)

	given := res.Select("Patient.contact.name.given")
	require.Len(t, given, 1)
	assert.Equal(t, "Patient.contact[0].name", given[0].Path)

	assert.Empty(t, res.Select("Patient.link.other"))
	assert.Empty(t, res.Select("Patient"))
}

func TestLookupChoice(t *testing.T) {
	obj := map[string]any{"valueQuantity": map[string]any{}, "values": 1}
	key, _, ok := Lookup(obj, "value[x]")
	assert.True(t, ok)
	assert.Equal(t, "valueQuantity", key)

	assert.Equal(t, "gender", LastSegment("Patient.gender"))
	assert.Equal(t, "Patient", LastSegment("Patient"))
}
