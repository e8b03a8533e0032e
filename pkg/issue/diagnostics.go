package issue

import (
	"fmt"
	"strings"
)

// DiagnosticID identifies a specific diagnostic message.
type DiagnosticID string

// Diagnostic IDs for parsing the instance.
const (
	DiagStructureInvalidJSON    DiagnosticID = "STRUCTURE_INVALID_JSON"
	DiagStructureNoResourceType DiagnosticID = "STRUCTURE_NO_RESOURCE_TYPE"
)

// Diagnostic IDs for profile resolution.
const (
	DiagProfileUnknown      DiagnosticID = "PROFILE_UNKNOWN"
	DiagProfileInvalid      DiagnosticID = "PROFILE_INVALID_REFERENCE"
	DiagProfileTypeMismatch DiagnosticID = "PROFILE_TYPE_MISMATCH"
)

// Diagnostic IDs for cardinality evaluation.
const (
	DiagCardinalityMin DiagnosticID = "CARDINALITY_MIN"
	DiagCardinalityMax DiagnosticID = "CARDINALITY_MAX"
)

// Diagnostic IDs for binding validation.
const (
	DiagBindingRequired         DiagnosticID = "BINDING_REQUIRED"
	DiagBindingValueSetNotFound DiagnosticID = "BINDING_VALUESET_NOT_FOUND"
)

// Diagnostic IDs for invariant evaluation.
const (
	DiagConstraintFailed       DiagnosticID = "CONSTRAINT_FAILED"
	DiagConstraintCompileError DiagnosticID = "CONSTRAINT_COMPILE_ERROR"
	DiagConstraintEvalError    DiagnosticID = "CONSTRAINT_EVAL_ERROR"
)

// DiagnosticTemplate defines the structure for a diagnostic message.
type DiagnosticTemplate struct {
	ID       DiagnosticID
	Severity Severity
	Code     Code
	Source   Source
	Template string
}

// diagnosticTemplates maps diagnostic IDs to their templates.
// Templates use {placeholder} syntax for variable substitution.
var diagnosticTemplates = map[DiagnosticID]DiagnosticTemplate{
	DiagStructureInvalidJSON: {
		Severity: SeverityFatal,
		Code:     CodeStructure,
		Source:   SourceParser,
		Template: "Invalid JSON: {error}",
	},
	DiagStructureNoResourceType: {
		Severity: SeverityFatal,
		Code:     CodeStructure,
		Source:   SourceParser,
		Template: "Missing 'resourceType' property",
	},

	DiagProfileUnknown: {
		Severity: SeverityError,
		Code:     CodeNotFound,
		Source:   SourceResolver,
		Template: "Profile reference '{reference}' has not been checked because it is unknown",
	},
	DiagProfileInvalid: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Source:   SourceResolver,
		Template: "Profile reference '{reference}' is not a valid canonical reference",
	},
	DiagProfileTypeMismatch: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Source:   SourceCardinality,
		Template: "Specified profile type was '{type}' in profile '{profile}', but found type '{found}'",
	},

	DiagCardinalityMin: {
		Severity: SeverityError,
		Code:     CodeRequired,
		Source:   SourceCardinality,
		Template: "{path}: minimum required = {min}, but only found {count} (from {profile})",
	},
	DiagCardinalityMax: {
		Severity: SeverityError,
		Code:     CodeValue,
		Source:   SourceCardinality,
		Template: "{path}: max allowed = {max}, but found {count} (from {profile})",
	},

	DiagBindingRequired: {
		Severity: SeverityError,
		Code:     CodeCodeInvalid,
		Source:   SourceBinding,
		Template: "The value provided ('{code}') is not in the value set '{valueSet}' (required) (from {profile})",
	},
	DiagBindingValueSetNotFound: {
		Severity: SeverityWarning,
		Code:     CodeNotFound,
		Source:   SourceBinding,
		Template: "ValueSet '{valueSet}' not found - code '{code}' cannot be validated",
	},

	DiagConstraintFailed: {
		Severity: SeverityError,
		Code:     CodeInvariant,
		Source:   SourceInvariant,
		Template: "Constraint failed: {key}: '{human}' (from {profile})",
	},
	DiagConstraintCompileError: {
		Severity: SeverityWarning,
		Code:     CodeProcessing,
		Source:   SourceInvariant,
		Template: "Could not compile constraint '{key}': {error}",
	},
	DiagConstraintEvalError: {
		Severity: SeverityWarning,
		Code:     CodeProcessing,
		Source:   SourceInvariant,
		Template: "Could not evaluate constraint '{key}': {error}",
	},
}

// FormatDiagnostic formats a diagnostic message with the given parameters.
func FormatDiagnostic(id DiagnosticID, params map[string]any) string {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		return string(id)
	}
	return formatTemplate(tmpl.Template, params)
}

// GetDiagnosticTemplate returns the template for a diagnostic ID.
func GetDiagnosticTemplate(id DiagnosticID) (DiagnosticTemplate, bool) {
	tmpl, ok := diagnosticTemplates[id]
	if ok {
		tmpl.ID = id
	}
	return tmpl, ok
}

// NewMessage builds a Message from the catalog entry for id.
// Unknown IDs produce a processing error carrying the ID as text.
func NewMessage(id DiagnosticID, params map[string]any, location string) Message {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		return Message{
			Severity:  SeverityError,
			Code:      CodeProcessing,
			Text:      string(id),
			Location:  location,
			MessageID: id,
		}
	}
	return Message{
		Severity:  tmpl.Severity,
		Code:      tmpl.Code,
		Text:      formatTemplate(tmpl.Template, params),
		Location:  location,
		Source:    tmpl.Source,
		MessageID: id,
	}
}

// AddWithID appends the catalog message for id.
func (r *Result) AddWithID(id DiagnosticID, params map[string]any, location string) {
	r.Messages = append(r.Messages, NewMessage(id, params, location))
}

// formatTemplate replaces each {placeholder} with the matching param.
// Placeholders are scanned left to right, so substituted values are never
// re-expanded. Unknown placeholders are left as-is.
func formatTemplate(template string, params map[string]any) string {
	var b strings.Builder
	b.Grow(len(template) + 32)

	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open == -1 {
			b.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing == -1 {
			b.WriteString(rest)
			break
		}
		closing += open

		b.WriteString(rest[:open])
		key := rest[open+1 : closing]
		if value, ok := params[key]; ok {
			b.WriteString(fmt.Sprint(value))
		} else {
			b.WriteString(rest[open : closing+1])
		}
		rest = rest[closing+1:]
	}
	return b.String()
}
