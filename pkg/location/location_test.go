package location

import (
	"bytes"
	"testing"
)

const source = `{
  "resourceType": "Patient",
  "meta": {"profile": ["http://example.org/P|1"]},
  "contact": [
    {
      "name": {"family": "First"},
      "gender": "female"
    },
    {
      "telecom": [{"system": "phone"}],
      "name": {"family": "Second"}
    }
  ],
  "gender": "male"
}`

// expected returns the 1-indexed position of the nth occurrence of marker.
func expected(t *testing.T, marker string, nth int) Location {
	t.Helper()
	data := []byte(source)
	offset := 0
	for i := 0; i <= nth; i++ {
		idx := bytes.Index(data[offset:], []byte(marker))
		if idx < 0 {
			t.Fatalf("marker %q occurrence %d not in source", marker, nth)
		}
		if i < nth {
			offset += idx + len(marker)
			continue
		}
		offset += idx
	}
	return position(data, int64(offset))
}

func TestFind(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		marker string
		nth    int
	}{
		{"root", "Patient", "{", 0},
		{"top-level key", "Patient.meta", `"meta"`, 0},
		{"key after nested object with same name", "Patient.gender", `"gender"`, 1},
		{"array item", "Patient.contact[1]", `{`, 4},
		{"nested key in array item", "Patient.contact[1].name", `"name"`, 1},
		{"nested key in first item", "Patient.contact[0].gender", `"gender"`, 0},
		{"index into nested array", "Patient.contact[1].telecom[0].system", `"system"`, 0},
		{"primitive array item", "Patient.meta.profile[0]", `"http://example.org/P|1"`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Find([]byte(source), tt.path)
			if !ok {
				t.Fatalf("Find(%q) not found", tt.path)
			}
			if want := expected(t, tt.marker, tt.nth); got != want {
				t.Errorf("Find(%q) = %+v, want %+v", tt.path, got, want)
			}
		})
	}
}

func TestFindTopLevelKeyPosition(t *testing.T) {
	got, ok := Find([]byte(source), "Patient.resourceType")
	if !ok {
		t.Fatal("resourceType not found")
	}
	if got.Line != 2 || got.Column != 3 {
		t.Errorf("got %+v, want line 2 column 3", got)
	}
}

func TestFindMissing(t *testing.T) {
	paths := []string{
		"Patient.active",
		"Patient.contact[2]",
		"Patient.contact[0].telecom",
		"Patient.gender[0]",
		"Patient.contact[x]",
		"",
	}
	for _, p := range paths {
		if loc, ok := Find([]byte(source), p); ok {
			t.Errorf("Find(%q) = %+v, want not found", p, loc)
		}
	}
}

func TestFindInvalidJSON(t *testing.T) {
	if _, ok := Find([]byte(`{"a": `), "X.a.b"); ok {
		t.Error("expected not found for truncated JSON")
	}
	if _, ok := Find(nil, "Patient.a"); ok {
		t.Error("expected not found for empty input")
	}
}
