// Package form implements the voice-driven form state machine.
//
// A [Manager] owns at most one open [Form]. Forms are created from a
// [Template] in a [Catalog], filled field by field through a normalisation
// and validation pipeline, validated, and finally submitted, after which the
// manager drops its reference. Request-level failures are returned as
// [*Error] values carrying a [Code] and enough context for the caller to
// relay a useful message.
package form

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a [Form].
type Status string

const (
	StatusDraft      Status = "draft"
	StatusOpen       Status = "open"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusSubmitted  Status = "submitted"
)

// Field is a field of an open form. Value is only meaningful when HasValue is
// set; it is written exclusively by [Manager.FillField].
type Field struct {
	FieldDef

	Value    string
	HasValue bool
}

// empty reports whether the field counts as unfilled.
func (f Field) empty() bool {
	return !f.HasValue || strings.TrimSpace(f.Value) == ""
}

// Form is a form instance. Values returned by [Manager.CurrentForm] are
// snapshots; mutating them does not affect the manager.
type Form struct {
	ID        string
	Type      string
	Title     string
	Fields    []Field
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Field returns the named field.
func (f *Form) Field(name string) (Field, bool) {
	if i := f.index(name); i >= 0 {
		return f.Fields[i], true
	}
	return Field{}, false
}

func (f *Form) index(name string) int {
	for i := range f.Fields {
		if f.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

func (f *Form) fieldNames() []string {
	names := make([]string, len(f.Fields))
	for i, fl := range f.Fields {
		names[i] = fl.Name
	}
	return names
}

func (f *Form) clone() Form {
	c := *f
	c.Fields = append([]Field(nil), f.Fields...)
	return c
}

// FieldSummary describes a field in an [OpenResult].
type FieldSummary struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Filled   bool      `json:"filled"`
}

// OpenResult is returned by [Manager.OpenForm].
type OpenResult struct {
	FormID   string         `json:"form_id"`
	FormType string         `json:"form_type"`
	Title    string         `json:"title"`
	Fields   []FieldSummary `json:"fields"`
	Message  string         `json:"message"`
}

// FillResult is returned by [Manager.FillField].
type FillResult struct {
	FieldName string    `json:"field_name"`
	Value     string    `json:"value"`
	FieldType FieldType `json:"field_type"`
	Message   string    `json:"message"`
}

// FieldError is a pattern failure found by [Manager.ValidateForm].
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Validation is the derived completeness report of a form.
type Validation struct {
	IsValid               bool         `json:"is_valid"`
	CompletionPercentage  float64      `json:"completion_percentage"`
	FilledFields          int          `json:"filled_fields"`
	TotalFields           int          `json:"total_fields"`
	MissingRequiredFields []string     `json:"missing_required_fields"`
	ValidationErrors      []FieldError `json:"validation_errors"`
	Message               string       `json:"message"`
}

// SubmittedField is a field value captured at submission.
type SubmittedField struct {
	Value string    `json:"value"`
	Type  FieldType `json:"type"`
}

// Submission is the snapshot produced by [Manager.SubmitForm]. Fields holds
// exactly the fields that had a value.
type Submission struct {
	FormID         string                    `json:"form_id"`
	FormType       string                    `json:"form_type"`
	Title          string                    `json:"title"`
	Fields         map[string]SubmittedField `json:"fields"`
	SubmittedAt    time.Time                 `json:"submitted_at"`
	CompletionTime time.Duration             `json:"-"`
}

// CompletionTimeMs returns CompletionTime in fractional milliseconds.
func (s Submission) CompletionTimeMs() float64 {
	return float64(s.CompletionTime) / float64(time.Millisecond)
}

// Stats are cumulative manager counters.
type Stats struct {
	FormsCreated      int64         `json:"forms_created"`
	FieldsFilled      int64         `json:"fields_filled"`
	FormsSubmitted    int64         `json:"forms_submitted"`
	ValidationErrors  int64         `json:"validation_errors"`
	AvgCompletionTime time.Duration `json:"-"`

	// CurrentFormID and CurrentStatus are empty when no form is open.
	CurrentFormID string `json:"current_form_id,omitempty"`
	CurrentStatus Status `json:"current_form_status,omitempty"`
}
