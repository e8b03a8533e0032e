// Package terminology stores CodeSystems and ValueSets and checks code
// membership against them.
package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/profilevalidator/pkg/canonical"
	"github.com/gofhir/profilevalidator/pkg/loader"
	"github.com/gofhir/profilevalidator/pkg/logger"
)

// Lookup errors. Use errors.Is to distinguish them.
var (
	ErrValueSetNotFound   = errors.New("valueset not found")
	ErrCodeSystemNotFound = errors.New("codesystem not found")
)

// maxValueSetDepth bounds nested ValueSet includes.
const maxValueSetDepth = 16

// Result is the outcome of a code validation.
type Result struct {
	Valid   bool
	Code    string
	System  string
	Display string
	Message string
}

// externalSystems cannot be enumerated locally; any code is accepted when a
// value set includes them without listing concepts.
var externalSystems = map[string]bool{
	"urn:ietf:bcp:13":                             true, // MIME types
	"urn:ietf:bcp:47":                             true, // language tags
	"urn:iana:tz":                                 true,
	"urn:iso:std:iso:3166":                        true,
	"urn:iso:std:iso:4217":                        true,
	"http://unitsofmeasure.org":                   true,
	"http://snomed.info/sct":                      true,
	"http://loinc.org":                            true,
	"http://www.nlm.nih.gov/research/umls/rxnorm": true,
	"http://hl7.org/fhir/sid/icd-10":              true,
	"http://hl7.org/fhir/sid/icd-10-cm":           true,
}

// IsExternalSystem reports whether system requires a terminology server.
func IsExternalSystem(system string) bool {
	return externalSystems[system]
}

type codeSystemData struct {
	source   *r4.CodeSystem
	url      string
	codes    map[string]string   // code -> display
	children map[string][]string // code -> nested codes
}

type includeRule struct {
	system    string
	codes     map[string]string
	filters   []filter
	valueSets []string
}

type filter struct {
	property string
	op       string
	value    string
}

type valueSetData struct {
	source    *r4.ValueSet
	url       string
	include   []includeRule
	exclude   []includeRule
	expansion map[string]map[string]string // system -> code -> display
}

// Store holds CodeSystems and ValueSets keyed by URL (without version).
type Store struct {
	mu          sync.RWMutex
	valueSets   map[string]*valueSetData
	codeSystems map[string]*codeSystemData
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		valueSets:   make(map[string]*valueSetData),
		codeSystems: make(map[string]*codeSystemData),
	}
}

// LoadFromPackages loads every CodeSystem and ValueSet of the packages.
// Unparseable resources are skipped with a warning.
func (s *Store) LoadFromPackages(packages []*loader.Package) error {
	for _, pkg := range packages {
		for _, res := range pkg.Resources {
			var err error
			switch res.ResourceType {
			case "CodeSystem":
				var cs r4.CodeSystem
				if err = json.Unmarshal(res.Data, &cs); err == nil {
					err = s.LoadR4CodeSystem(&cs)
				}
			case "ValueSet":
				var vs r4.ValueSet
				if err = json.Unmarshal(res.Data, &vs); err == nil {
					err = s.LoadR4ValueSet(&vs)
				}
			default:
				continue
			}
			if err != nil {
				logger.Warn("Skipping %s: %v", res.Source, err)
			}
		}
	}
	return nil
}

// LoadR4CodeSystem indexes a CodeSystem. A later CodeSystem with the same
// URL replaces the earlier one.
func (s *Store) LoadR4CodeSystem(cs *r4.CodeSystem) error {
	if cs == nil || cs.Url == nil || *cs.Url == "" {
		return errors.New("codesystem has no url")
	}

	data := &codeSystemData{
		source:   cs,
		url:      *cs.Url,
		codes:    make(map[string]string),
		children: make(map[string][]string),
	}
	extractConcepts(cs.Concept, "", data)

	s.mu.Lock()
	s.codeSystems[data.url] = data
	s.mu.Unlock()
	return nil
}

func extractConcepts(concepts []r4.CodeSystemConcept, parent string, data *codeSystemData) {
	for i := range concepts {
		c := &concepts[i]
		if c.Code == nil {
			continue
		}
		data.codes[*c.Code] = derefString(c.Display)
		if parent != "" {
			data.children[parent] = append(data.children[parent], *c.Code)
		}
		extractConcepts(c.Concept, *c.Code, data)
	}
}

// LoadR4ValueSet indexes a ValueSet. A later ValueSet with the same URL
// replaces the earlier one.
func (s *Store) LoadR4ValueSet(vs *r4.ValueSet) error {
	if vs == nil || vs.Url == nil || *vs.Url == "" {
		return errors.New("valueset has no url")
	}

	data := &valueSetData{source: vs, url: *vs.Url}
	if vs.Compose != nil {
		data.include = convertIncludes(vs.Compose.Include)
		data.exclude = convertIncludes(vs.Compose.Exclude)
	}
	if vs.Expansion != nil && len(vs.Expansion.Contains) > 0 {
		data.expansion = make(map[string]map[string]string)
		extractContains(vs.Expansion.Contains, data.expansion)
	}

	s.mu.Lock()
	s.valueSets[data.url] = data
	s.mu.Unlock()
	return nil
}

func convertIncludes(includes []r4.ValueSetComposeInclude) []includeRule {
	rules := make([]includeRule, 0, len(includes))
	for i := range includes {
		inc := &includes[i]
		rule := includeRule{system: derefString(inc.System), valueSets: inc.ValueSet}
		if len(inc.Concept) > 0 {
			rule.codes = make(map[string]string, len(inc.Concept))
			for j := range inc.Concept {
				if inc.Concept[j].Code != nil {
					rule.codes[*inc.Concept[j].Code] = derefString(inc.Concept[j].Display)
				}
			}
		}
		for j := range inc.Filter {
			f := &inc.Filter[j]
			rule.filters = append(rule.filters, filter{
				property: derefString(f.Property),
				op:       derefCode(f.Op),
				value:    derefString(f.Value),
			})
		}
		rules = append(rules, rule)
	}
	return rules
}

func extractContains(contains []r4.ValueSetExpansionContains, out map[string]map[string]string) {
	for i := range contains {
		c := &contains[i]
		if c.Code != nil {
			system := derefString(c.System)
			if out[system] == nil {
				out[system] = make(map[string]string)
			}
			out[system][*c.Code] = derefString(c.Display)
		}
		extractContains(c.Contains, out)
	}
}

// AddCodeSystem registers a flat CodeSystem from a code -> display map.
func (s *Store) AddCodeSystem(url string, codes map[string]string) {
	data := &codeSystemData{url: url, codes: make(map[string]string, len(codes)), children: map[string][]string{}}
	for code, display := range codes {
		data.codes[code] = display
	}
	s.mu.Lock()
	s.codeSystems[url] = data
	s.mu.Unlock()
}

// AddValueSet registers a ValueSet that includes every code of system.
func (s *Store) AddValueSet(url, system string) {
	data := &valueSetData{url: url, include: []includeRule{{system: system}}}
	s.mu.Lock()
	s.valueSets[url] = data
	s.mu.Unlock()
}

// CodeSystem returns the source CodeSystem for url, if it was loaded from
// a resource.
func (s *Store) CodeSystem(url string) (*r4.CodeSystem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.codeSystems[canonical.StripVersion(url)]
	if !ok || cs.source == nil {
		return nil, false
	}
	return cs.source, true
}

// ValueSet returns the source ValueSet for url, if it was loaded from a
// resource.
func (s *Store) ValueSet(url string) (*r4.ValueSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.valueSets[canonical.StripVersion(url)]
	if !ok || vs.source == nil {
		return nil, false
	}
	return vs.source, true
}

// HasValueSet reports whether url is known.
func (s *Store) HasValueSet(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.valueSets[canonical.StripVersion(url)]
	return ok
}

// CountValueSets returns the number of loaded ValueSets.
func (s *Store) CountValueSets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.valueSets)
}

// CountCodeSystems returns the number of loaded CodeSystems.
func (s *Store) CountCodeSystems() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codeSystems)
}

// ValidateCode checks code against valueSetURL, or against the CodeSystem
// system when no value set is given. The value set version suffix is
// ignored. ErrValueSetNotFound / ErrCodeSystemNotFound are returned when
// the target is unknown.
func (s *Store) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{Code: code, System: system}
	if code == "" {
		result.Message = "code is empty"
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if valueSetURL != "" {
		url := canonical.StripVersion(valueSetURL)
		if _, ok := s.valueSets[url]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrValueSetNotFound, url)
		}
		display, ok := s.memberOf(url, system, code, 0)
		if ok {
			result.Valid = true
			result.Display = display
			return result, nil
		}
		result.Message = fmt.Sprintf("code '%s' not found in ValueSet '%s'", code, url)
		return result, nil
	}

	if system == "" {
		result.Message = "no system or valueSet specified for code validation"
		return result, nil
	}

	cs, ok := s.codeSystems[system]
	if !ok {
		if IsExternalSystem(system) {
			result.Valid = true
			return result, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrCodeSystemNotFound, system)
	}
	if display, ok := cs.codes[code]; ok {
		result.Valid = true
		result.Display = display
		return result, nil
	}
	result.Message = fmt.Sprintf("code '%s' not found in CodeSystem '%s'", code, system)
	return result, nil
}

// memberOf must be called with mu held.
func (s *Store) memberOf(url, system, code string, depth int) (string, bool) {
	if depth > maxValueSetDepth {
		return "", false
	}
	vs, ok := s.valueSets[url]
	if !ok {
		return "", false
	}

	if vs.expansion != nil {
		if system != "" {
			display, ok := vs.expansion[system][code]
			return display, ok
		}
		for _, codes := range vs.expansion {
			if display, ok := codes[code]; ok {
				return display, true
			}
		}
		return "", false
	}

	for i := range vs.exclude {
		if _, ok := s.matches(&vs.exclude[i], system, code, depth); ok {
			return "", false
		}
	}
	for i := range vs.include {
		if display, ok := s.matches(&vs.include[i], system, code, depth); ok {
			return display, true
		}
	}
	return "", false
}

// matches must be called with mu held.
func (s *Store) matches(rule *includeRule, system, code string, depth int) (string, bool) {
	if rule.system != "" && system != "" && rule.system != system {
		return "", false
	}

	for _, nested := range rule.valueSets {
		if _, ok := s.memberOf(canonical.StripVersion(nested), system, code, depth+1); !ok {
			return "", false
		}
	}

	if rule.system == "" {
		// Only nested value sets, all of which matched.
		return "", len(rule.valueSets) > 0
	}

	if rule.codes != nil {
		display, ok := rule.codes[code]
		return display, ok
	}

	cs, loaded := s.codeSystems[rule.system]
	if !loaded {
		return "", IsExternalSystem(rule.system)
	}

	for _, f := range rule.filters {
		if !cs.satisfies(f, code) {
			return "", false
		}
	}
	display, ok := cs.codes[code]
	return display, ok
}

// satisfies evaluates the hierarchy and equality filters a local
// CodeSystem can answer. Unsupported filters accept the code.
func (cs *codeSystemData) satisfies(f filter, code string) bool {
	switch f.op {
	case "is-a":
		return code == f.value || cs.descends(f.value, code)
	case "descendent-of":
		return cs.descends(f.value, code)
	case "is-not-a":
		return code != f.value && !cs.descends(f.value, code)
	case "=":
		if f.property == "concept" || f.property == "code" {
			return code == f.value
		}
		return true
	case "in":
		for _, v := range strings.Split(f.value, ",") {
			if strings.TrimSpace(v) == code {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (cs *codeSystemData) descends(ancestor, code string) bool {
	visited := make(map[string]bool)
	var walk func(string) bool
	walk = func(c string) bool {
		if visited[c] {
			return false
		}
		visited[c] = true
		for _, child := range cs.children[c] {
			if child == code || walk(child) {
				return true
			}
		}
		return false
	}
	return walk(ancestor)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefCode[T ~string](c *T) string {
	if c == nil {
		return ""
	}
	return string(*c)
}
