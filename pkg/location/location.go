// Package location maps message locations such as "Patient.contact[1].name"
// to line and column positions in the JSON source.
package location

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Location is a 1-indexed position in the source JSON.
type Location struct {
	Line   int
	Column int
}

// segment is one navigation step: an object key or an array index.
type segment struct {
	key   string
	index int // -1 for keys
}

// Find returns the position of the element at path. The first path segment
// names the resource type and stands for the root object. Object keys are
// located at their opening quote and array items at their first byte.
func Find(raw []byte, path string) (Location, bool) {
	if len(raw) == 0 || path == "" {
		return Location{}, false
	}

	segments, err := parse(path)
	if err != nil {
		return Location{}, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	offset, err := seek(dec, segments)
	if err != nil {
		return Location{}, false
	}
	return position(raw, offset), true
}

// parse splits "Patient.contact[1].name" into contact, 1, name.
func parse(path string) ([]segment, error) {
	parts := strings.Split(path, ".")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts[1:] {
		name, rest, hasIndex := strings.Cut(part, "[")
		if name == "" {
			return nil, fmt.Errorf("empty element name in %q", path)
		}
		segments = append(segments, segment{key: name, index: -1})
		for hasIndex {
			var idx string
			idx, rest, _ = strings.Cut(rest, "]")
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid index %q in %q", idx, path)
			}
			segments = append(segments, segment{index: n})
			_, rest, hasIndex = strings.Cut(rest, "[")
		}
	}
	return segments, nil
}

// seek walks dec to the value addressed by segments and returns the offset
// just before it.
func seek(dec *json.Decoder, segments []segment) (int64, error) {
	offset := dec.InputOffset()
	for _, seg := range segments {
		tok, err := dec.Token()
		if err != nil {
			return 0, err
		}
		delim, _ := tok.(json.Delim)

		if seg.index < 0 {
			if delim != '{' {
				return 0, fmt.Errorf("expected object for %q", seg.key)
			}
			offset, err = findKey(dec, seg.key)
		} else {
			if delim != '[' {
				return 0, fmt.Errorf("expected array for index %d", seg.index)
			}
			offset, err = findIndex(dec, seg.index)
		}
		if err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// findKey scans the current object for key and leaves dec before its value.
func findKey(dec *json.Decoder, key string) (int64, error) {
	for dec.More() {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return 0, err
		}
		if k, ok := tok.(string); ok && k == key {
			return offset, nil
		}
		if err := skipValue(dec); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("key %q not found", key)
}

// findIndex leaves dec before the array item at index.
func findIndex(dec *json.Decoder, index int) (int64, error) {
	for i := 0; dec.More(); i++ {
		if i == index {
			return dec.InputOffset(), nil
		}
		if err := skipValue(dec); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("index %d out of bounds", index)
}

// skipValue skips a single JSON value (primitive, object, or array).
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(json.Delim); !ok {
		return nil
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// position converts an offset to a line and column, skipping the
// separators and whitespace that precede the next token.
func position(input []byte, offset int64) Location {
	i := int(offset)
	for i < len(input) && strings.IndexByte(" \t\r\n,:", input[i]) >= 0 {
		i++
	}

	loc := Location{Line: 1, Column: 1}
	for _, b := range input[:i] {
		if b == '\n' {
			loc.Line++
			loc.Column = 1
		} else {
			loc.Column++
		}
	}
	return loc
}
