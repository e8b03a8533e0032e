package terminology

import (
	"context"
	"errors"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/canonical"
)

// InMemory exposes a Store as a validation support module.
//
// A nil *Result with a nil error means the module does not know the value
// set or system, so the next module in a chain should be asked.
type InMemory struct {
	name  string
	store *Store
}

// NewInMemory creates a module backed by store.
func NewInMemory(store *Store) *InMemory {
	return &InMemory{name: "in-memory-terminology", store: store}
}

// Name implements the support module interface.
func (m *InMemory) Name() string { return m.name }

// FetchCodeSystem returns the CodeSystem for url, or nil when unknown.
func (m *InMemory) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cs, _ := m.store.CodeSystem(url)
	return cs, nil
}

// FetchValueSet returns the ValueSet for url, or nil when unknown.
func (m *InMemory) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs, _ := m.store.ValueSet(url)
	return vs, nil
}

// ValidateCode validates against the store.
func (m *InMemory) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*Result, error) {
	res, err := m.store.ValidateCode(ctx, system, code, valueSetURL)
	if errors.Is(err, ErrValueSetNotFound) || errors.Is(err, ErrCodeSystemNotFound) {
		return nil, nil
	}
	return res, err
}

// Store returns the backing store.
func (m *InMemory) Store() *Store { return m.store }

// CommonCodeSystems is a built-in module with the small FHIR code systems
// used by most resources, plus accept-any handling for MIME types and
// language tags.
type CommonCodeSystems struct {
	store *Store
}

// acceptAnyValueSets map value sets over open-ended systems to that system.
var acceptAnyValueSets = map[string]string{
	"http://hl7.org/fhir/ValueSet/mimetypes":     "urn:ietf:bcp:13",
	"http://hl7.org/fhir/ValueSet/languages":     "urn:ietf:bcp:47",
	"http://hl7.org/fhir/ValueSet/all-languages": "urn:ietf:bcp:47",
	"http://hl7.org/fhir/ValueSet/ucum-units":    "http://unitsofmeasure.org",
}

var commonSystems = map[string]map[string]string{
	"administrative-gender": {
		"male":    "Male",
		"female":  "Female",
		"other":   "Other",
		"unknown": "Unknown",
	},
	"identifier-use": {
		"usual":     "Usual",
		"official":  "Official",
		"temp":      "Temp",
		"secondary": "Secondary",
		"old":       "Old",
	},
	"name-use": {
		"usual":     "Usual",
		"official":  "Official",
		"temp":      "Temp",
		"nickname":  "Nickname",
		"anonymous": "Anonymous",
		"old":       "Old",
		"maiden":    "Name changed for Marriage",
	},
	"contact-point-system": {
		"phone": "Phone",
		"fax":   "Fax",
		"email": "Email",
		"pager": "Pager",
		"url":   "URL",
		"sms":   "SMS",
		"other": "Other",
	},
	"contact-point-use": {
		"home":   "Home",
		"work":   "Work",
		"temp":   "Temp",
		"old":    "Old",
		"mobile": "Mobile",
	},
	"address-use": {
		"home":    "Home",
		"work":    "Work",
		"temp":    "Temporary",
		"old":     "Old / Incorrect",
		"billing": "Billing",
	},
}

// NewCommonCodeSystems creates the built-in module.
func NewCommonCodeSystems() *CommonCodeSystems {
	store := NewStore()
	for name, codes := range commonSystems {
		system := "http://hl7.org/fhir/" + name
		store.AddCodeSystem(system, codes)
		store.AddValueSet("http://hl7.org/fhir/ValueSet/"+name, system)
	}
	return &CommonCodeSystems{store: store}
}

// Name implements the support module interface.
func (c *CommonCodeSystems) Name() string { return "common-code-systems" }

// ValidateCode validates common codes. Unknown value sets and systems are
// left to the next module.
func (c *CommonCodeSystems) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if open, ok := acceptAnyValueSets[canonical.StripVersion(valueSetURL)]; ok {
		if system == "" || system == open {
			return &Result{Valid: code != "", Code: code, System: open}, nil
		}
	}

	res, err := c.store.ValidateCode(ctx, system, code, valueSetURL)
	if errors.Is(err, ErrValueSetNotFound) || errors.Is(err, ErrCodeSystemNotFound) {
		return nil, nil
	}
	return res, err
}
