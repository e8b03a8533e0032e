// Package issue defines validation messages and results, aligned with FHIR
// OperationOutcome severities and issue types.
package issue

// Severity represents the severity of a validation message.
type Severity string

// Severity constants aligned with FHIR IssueSeverity.
const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Code represents the type of validation issue (IssueType).
type Code string

// Code constants aligned with FHIR IssueType.
const (
	CodeInvalid       Code = "invalid"
	CodeStructure     Code = "structure"
	CodeRequired      Code = "required"
	CodeValue         Code = "value"
	CodeInvariant     Code = "invariant"
	CodeNotFound      Code = "not-found"
	CodeCodeInvalid   Code = "code-invalid"
	CodeProcessing    Code = "processing"
	CodeNotSupported  Code = "not-supported"
	CodeInformational Code = "informational"
)

// Source names the phase that produced a message.
type Source string

// Phases that emit messages.
const (
	SourceParser      Source = "parser"
	SourceResolver    Source = "resolver"
	SourceCardinality Source = "cardinality"
	SourceInvariant   Source = "invariant"
	SourceBinding     Source = "binding"
)

// Message is a single validation message.
type Message struct {
	// Severity indicates the severity level (error, warning, etc.)
	Severity Severity

	// Code indicates the type of issue
	Code Code

	// Text is the human-readable message.
	Text string

	// Location is the FHIRPath-style location of the offending element, if any.
	Location string

	// Line and Column locate the element in the JSON source (1-indexed, 0 if unknown)
	Line   int
	Column int

	// Source identifies the phase that generated this message
	Source Source

	// MessageID is the identifier from the diagnostic catalog
	MessageID DiagnosticID
}

// Stats contains per-call validation statistics.
type Stats struct {
	// ResourceType is the type of the validated instance
	ResourceType string
	// ResourceSize is the size of the input in bytes
	ResourceSize int
	// ProfilesChecked lists the references that resolved, rendered as url|version
	ProfilesChecked []string
	// ProfilesUnknown counts references that did not resolve
	ProfilesUnknown int
	// Duration is the total validation time
	Duration int64 // nanoseconds
}

// DurationMs returns the duration in milliseconds.
func (s *Stats) DurationMs() float64 {
	return float64(s.Duration) / 1e6
}

// Result holds the ordered messages of one validation call.
type Result struct {
	Messages []Message
	Stats    *Stats
}

// defaultMessageCapacity is the pre-allocated capacity for the Messages slice.
const defaultMessageCapacity = 8

// NewResult creates a new empty Result.
func NewResult() *Result {
	return &Result{
		Messages: make([]Message, 0, defaultMessageCapacity),
	}
}

// Successful reports whether validation produced no messages at all.
func (r *Result) Successful() bool {
	return len(r.Messages) == 0
}

// Add appends a message.
func (r *Result) Add(m Message) {
	r.Messages = append(r.Messages, m)
}

// AddAll appends messages in order.
func (r *Result) AddAll(ms []Message) {
	r.Messages = append(r.Messages, ms...)
}

// Texts returns the message texts in order.
func (r *Result) Texts() []string {
	texts := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		texts[i] = m.Text
	}
	return texts
}

// HasErrors returns true if there are any error-level messages.
func (r *Result) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Severity == SeverityError || m.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// ErrorCount returns the number of error-level messages.
func (r *Result) ErrorCount() int {
	return r.count(func(s Severity) bool { return s == SeverityError || s == SeverityFatal })
}

// WarningCount returns the number of warning-level messages.
func (r *Result) WarningCount() int {
	return r.count(func(s Severity) bool { return s == SeverityWarning })
}

// InfoCount returns the number of information-level messages.
func (r *Result) InfoCount() int {
	return r.count(func(s Severity) bool { return s == SeverityInformation })
}

func (r *Result) count(match func(Severity) bool) int {
	n := 0
	for _, m := range r.Messages {
		if match(m.Severity) {
			n++
		}
	}
	return n
}

// EnrichLocations sets Line and Column on messages that have a Location.
// find reports false for locations absent from the source.
func (r *Result) EnrichLocations(find func(location string) (line, column int, ok bool)) {
	for i := range r.Messages {
		m := &r.Messages[i]
		if m.Location == "" || m.Line != 0 {
			continue
		}
		if line, col, ok := find(m.Location); ok {
			m.Line, m.Column = line, col
		}
	}
}
