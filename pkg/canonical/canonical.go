// Package canonical parses and renders FHIR canonical references of the form
// "url" or "url|version".
package canonical

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReference is matched by every *InvalidReferenceError.
var ErrInvalidReference = errors.New("invalid canonical reference")

// InvalidReferenceError reports a reference string that cannot be resolved.
type InvalidReferenceError struct {
	Raw    string
	Reason string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid canonical reference %q: %s", e.Raw, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidReference) match.
func (e *InvalidReferenceError) Is(target error) bool {
	return target == ErrInvalidReference
}

// Reference points at a profile by canonical URL and optional version.
type Reference struct {
	URL     string
	Version string
}

// Parse splits s at its last '|'. The URL part must be non-empty and must not
// contain whitespace; an empty version after '|' is treated as absent.
func Parse(s string) (Reference, error) {
	raw := s
	s = strings.TrimSpace(s)

	url, version := s, ""
	if idx := strings.LastIndex(s, "|"); idx != -1 {
		url, version = s[:idx], s[idx+1:]
	}

	if url == "" {
		return Reference{}, &InvalidReferenceError{Raw: raw, Reason: "missing URL"}
	}
	if strings.ContainsAny(url, " \t\r\n") {
		return Reference{}, &InvalidReferenceError{Raw: raw, Reason: "URL contains whitespace"}
	}
	if strings.Contains(url, "|") {
		return Reference{}, &InvalidReferenceError{Raw: raw, Reason: "more than one version separator"}
	}

	return Reference{URL: url, Version: version}, nil
}

// MustParse is Parse for references known to be valid at compile time.
func MustParse(s string) Reference {
	ref, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// New builds a Reference from its parts.
func New(url, version string) Reference {
	return Reference{URL: url, Version: version}
}

// HasVersion reports whether the reference pins a version.
func (r Reference) HasVersion() bool {
	return r.Version != ""
}

// String renders "url" or "url|version".
func (r Reference) String() string {
	if r.Version == "" {
		return r.URL
	}
	return r.URL + "|" + r.Version
}

// StripVersion removes a trailing "|version" from a canonical URL string.
func StripVersion(url string) string {
	if idx := strings.LastIndex(url, "|"); idx != -1 {
		return url[:idx]
	}
	return url
}
