// Package instance holds a parsed FHIR resource and navigates its elements.
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Parse errors. Use errors.Is to distinguish them.
var (
	ErrInvalidJSON    = errors.New("invalid JSON")
	ErrNoResourceType = errors.New("missing resourceType")
)

// Resource is a parsed FHIR resource.
type Resource struct {
	Type string
	ID   string
	Data map[string]any
	Raw  []byte
}

// Parse decodes raw JSON into a Resource.
func Parse(raw []byte) (*Resource, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	res, err := FromMap(data)
	if err != nil {
		return nil, err
	}
	res.Raw = raw
	return res, nil
}

// FromMap wraps already decoded resource data.
func FromMap(data map[string]any) (*Resource, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: resource is not a JSON object", ErrInvalidJSON)
	}
	resourceType, _ := data["resourceType"].(string)
	if resourceType == "" {
		return nil, ErrNoResourceType
	}
	id, _ := data["id"].(string)
	return &Resource{Type: resourceType, ID: id, Data: data}, nil
}

// DeclaredProfiles returns meta.profile entries in document order.
// Non-string entries are skipped.
func (r *Resource) DeclaredProfiles() []string {
	meta, ok := r.Data["meta"].(map[string]any)
	if !ok {
		return nil
	}
	profiles, ok := meta["profile"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Node is one element value found while navigating, with its location.
type Node struct {
	Value any
	Path  string // e.g. Patient.contact[1].name
}

// Select returns the parent nodes for a definition path, one per present
// occurrence of the path's parent element. For a top-level path such as
// "Patient.gender" the single parent is the resource itself. For
// "Patient.contact.name" every contact object is returned. Absent parents
// yield no nodes.
func (r *Resource) Select(path string) []Node {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return nil
	}

	nodes := []Node{{Value: r.Data, Path: segments[0]}}
	for _, seg := range segments[1 : len(segments)-1] {
		var next []Node
		for _, n := range nodes {
			obj, ok := n.Value.(map[string]any)
			if !ok {
				continue
			}
			key, value, ok := Lookup(obj, seg)
			if !ok {
				continue
			}
			if arr, ok := value.([]any); ok {
				for i, item := range arr {
					next = append(next, Node{Value: item, Path: fmt.Sprintf("%s.%s[%d]", n.Path, key, i)})
				}
				continue
			}
			next = append(next, Node{Value: value, Path: n.Path + "." + key})
		}
		nodes = next
		if len(nodes) == 0 {
			return nil
		}
	}
	return nodes
}

// Lookup finds the value for an element name inside obj. Choice elements
// ("value[x]") match any typed key ("valueString", "valueQuantity"). The
// matched JSON key is returned.
func Lookup(obj map[string]any, name string) (string, any, bool) {
	if base, ok := strings.CutSuffix(name, "[x]"); ok {
		for key, value := range obj {
			if isChoiceKey(key, base) {
				return key, value, true
			}
		}
		return "", nil, false
	}
	value, ok := obj[name]
	return name, value, ok
}

// Count returns how many occurrences of the named element obj holds.
// Arrays count their length and null counts as absent. Choice elements sum
// every typed variant, restricted to types when any are given.
func Count(obj map[string]any, name string, types ...string) int {
	if base, ok := strings.CutSuffix(name, "[x]"); ok {
		total := 0
		for key, value := range obj {
			if isChoiceKey(key, base) && allowedChoice(key[len(base):], types) {
				total += countValue(value)
			}
		}
		return total
	}
	value, ok := obj[name]
	if !ok {
		return 0
	}
	return countValue(value)
}

func allowedChoice(suffix string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if strings.EqualFold(suffix, t) {
			return true
		}
	}
	return false
}

func countValue(value any) int {
	switch v := value.(type) {
	case nil:
		return 0
	case []any:
		return len(v)
	default:
		return 1
	}
}

// isChoiceKey reports whether key is a typed variant of a choice element,
// e.g. "valueString" for base "value". The suffix must start uppercase.
func isChoiceKey(key, base string) bool {
	if len(key) <= len(base) || !strings.HasPrefix(key, base) {
		return false
	}
	c := key[len(base)]
	return c >= 'A' && c <= 'Z'
}

// LastSegment returns the element name at the end of a definition path.
func LastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
