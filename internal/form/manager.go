package form

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voiceform/internal/observe"
)

// DefaultFormType is opened when a caller does not name one.
const DefaultFormType = "contact"

// Manager is the form state machine for one session. All methods are safe
// for concurrent use.
type Manager struct {
	catalog *Catalog
	now     func() time.Time

	mu      sync.Mutex
	current *Form

	formsCreated     int64
	fieldsFilled     int64
	formsSubmitted   int64
	validationErrors int64
	completionSum    time.Duration
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by catalog. A nil catalog means
// [DefaultCatalog].
func NewManager(catalog *Catalog, opts ...Option) *Manager {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	m := &Manager{catalog: catalog, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Catalog returns the manager's template catalog.
func (m *Manager) Catalog() *Catalog { return m.catalog }

func errNoActiveForm(msg string) *Error {
	return &Error{Code: CodeNoActiveForm, Message: msg}
}

// OpenForm creates a fresh form of formType and makes it current, replacing
// any form already open. An empty title defaults to "<Type> Form".
func (m *Manager) OpenForm(ctx context.Context, formType, title string) (OpenResult, error) {
	tmpl, ok := m.catalog.Template(formType)
	if !ok {
		types := m.catalog.Types()
		return OpenResult{}, &Error{
			Code:           CodeUnknownFormType,
			Message:        fmt.Sprintf("Unknown form type '%s'. Available types: %s", formType, strings.Join(types, ", ")),
			AvailableTypes: types,
		}
	}
	if title == "" {
		title = titleCase(formType) + " Form"
	}

	now := m.now()
	f := &Form{
		ID:        fmt.Sprintf("%s_%d", formType, now.UnixMilli()),
		Type:      formType,
		Title:     title,
		Fields:    make([]Field, len(tmpl.Fields)),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	summaries := make([]FieldSummary, len(tmpl.Fields))
	for i, def := range tmpl.Fields {
		f.Fields[i] = Field{FieldDef: def}
		summaries[i] = FieldSummary{Name: def.Name, Type: def.Type, Required: def.Required}
	}
	f.Status = StatusOpen

	m.mu.Lock()
	if m.current != nil {
		observe.Logger(ctx).Warn("form: discarding unsubmitted form", "form_id", m.current.ID)
	}
	m.current = f
	m.formsCreated++
	m.mu.Unlock()

	observe.Logger(ctx).Info("form opened", "form_id", f.ID, "form_type", formType)
	return OpenResult{
		FormID:   f.ID,
		FormType: formType,
		Title:    title,
		Fields:   summaries,
		Message: fmt.Sprintf("I've opened a %s form for you. You can now fill the fields by saying things like "+
			"'My name is John Smith' or 'Set email to john@example.com'.", formType),
	}, nil
}

// FillField normalises name, coerces value for the field's type and stores
// it if it matches the field's pattern. On a mismatch the field is left
// unchanged.
func (m *Manager) FillField(ctx context.Context, name, value string) (FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.current
	if f == nil {
		return FillResult{}, errNoActiveForm("No form is currently open. Please open a form first.")
	}

	canonical, i := resolveField(f, name)
	if i < 0 {
		available := f.fieldNames()
		e := &Error{
			Code:            CodeUnknownField,
			Message:         fmt.Sprintf("Field '%s' not found. Available fields: %s", name, strings.Join(available, ", ")),
			AvailableFields: available,
			Suggestion:      closestField(canonical, available),
		}
		if e.Suggestion != "" {
			e.Message += fmt.Sprintf(". Did you mean '%s'?", e.Suggestion)
		}
		return FillResult{}, e
	}

	field := &f.Fields[i]
	coerced := Coerce(field.Type, value)
	if !field.Match(coerced) {
		m.validationErrors++
		return FillResult{}, &Error{
			Code:      CodeValidationError,
			Message:   fmt.Sprintf("Invalid format for %s. Please check your input.", field.Name),
			Field:     name,
			FieldType: field.Type,
		}
	}

	field.Value = coerced
	field.HasValue = true
	f.UpdatedAt = m.now()
	f.Status = StatusOpen
	m.fieldsFilled++

	observe.Logger(ctx).Debug("form field filled", "form_id", f.ID, "field", canonical)
	return FillResult{
		FieldName: canonical,
		Value:     coerced,
		FieldType: field.Type,
		Message:   fmt.Sprintf("I've set %s to '%s'. %s", name, coerced, nextSuggestion(f)),
	}, nil
}

// nextSuggestion names the next unfilled field: required fields first, in
// template order, then optional ones.
func nextSuggestion(f *Form) string {
	for _, fl := range f.Fields {
		if fl.Required && fl.empty() {
			return fmt.Sprintf("Next, please provide your %s.", humanize(fl.Name))
		}
	}
	for _, fl := range f.Fields {
		if fl.empty() {
			return fmt.Sprintf("You can also add your %s if you'd like.", humanize(fl.Name))
		}
	}
	return "All fields are filled! You can validate or submit the form now."
}

// ValidateForm derives the completeness report of the current form. Its only
// side effect is updating the form status.
func (m *Manager) ValidateForm(ctx context.Context) (Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Validation{}, errNoActiveForm("No form is currently open.")
	}
	v := m.validateLocked()
	observe.Logger(ctx).Debug("form validated", "form_id", m.current.ID, "status", string(m.current.Status), "complete", v.IsValid)
	return v, nil
}

func (m *Manager) validateLocked() Validation {
	f := m.current
	v := Validation{
		TotalFields:           len(f.Fields),
		MissingRequiredFields: []string{},
		ValidationErrors:      []FieldError{},
	}
	for _, fl := range f.Fields {
		switch {
		case fl.Required && fl.empty():
			v.MissingRequiredFields = append(v.MissingRequiredFields, fl.Name)
		case fl.HasValue:
			v.FilledFields++
			if !fl.Match(fl.Value) {
				v.ValidationErrors = append(v.ValidationErrors, FieldError{
					Field: fl.Name,
					Error: fmt.Sprintf("Invalid format for %s. Please check your input.", fl.Name),
				})
			}
		}
	}

	pct := 0.0
	if v.TotalFields > 0 {
		pct = float64(v.FilledFields) / float64(v.TotalFields) * 100
	}
	v.CompletionPercentage = math.Round(pct*10) / 10
	v.IsValid = len(v.MissingRequiredFields) == 0 && len(v.ValidationErrors) == 0

	switch {
	case v.IsValid:
		f.Status = StatusCompleted
		v.Message = "Form is complete and valid! You can now submit it."
	case len(v.ValidationErrors) > 0:
		f.Status = StatusError
	default:
		f.Status = StatusValidating
	}
	switch {
	case v.IsValid:
	case len(v.MissingRequiredFields) > 0:
		v.Message = "Please fill the required fields: " + strings.Join(v.MissingRequiredFields, ", ")
	case len(v.ValidationErrors) > 0:
		names := make([]string, len(v.ValidationErrors))
		for i, e := range v.ValidationErrors {
			names[i] = e.Field
		}
		v.Message = "Please fix validation errors in: " + strings.Join(names, ", ")
	}
	return v
}

// SubmitForm validates and submits the current form. On success the manager
// releases the form and returns a snapshot of every filled field.
func (m *Manager) SubmitForm(ctx context.Context, confirm bool) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.current
	if f == nil {
		return Submission{}, errNoActiveForm("No form is currently open.")
	}
	if !confirm {
		return Submission{}, &Error{Code: CodeSubmissionCancelled, Message: "Form submission cancelled by user."}
	}
	v := m.validateLocked()
	if !v.IsValid {
		return Submission{}, &Error{
			Code:       CodeValidationFailed,
			Message:    "Form validation failed. Please fix errors before submitting.",
			Validation: &v,
		}
	}

	now := m.now()
	sub := Submission{
		FormID:         f.ID,
		FormType:       f.Type,
		Title:          f.Title,
		Fields:         make(map[string]SubmittedField),
		SubmittedAt:    now,
		CompletionTime: now.Sub(f.CreatedAt),
	}
	for _, fl := range f.Fields {
		if fl.HasValue {
			sub.Fields[fl.Name] = SubmittedField{Value: fl.Value, Type: fl.Type}
		}
	}

	f.Status = StatusSubmitted
	m.formsSubmitted++
	m.completionSum += sub.CompletionTime
	m.current = nil

	observe.Logger(ctx).Info("form submitted", "form_id", sub.FormID, "fields", len(sub.Fields), "completion_time", sub.CompletionTime)
	return sub, nil
}

// CurrentForm returns a snapshot of the open form.
func (m *Manager) CurrentForm() (Form, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Form{}, false
	}
	return m.current.clone(), true
}

// Stats returns the cumulative counters. AvgCompletionTime is the exact mean
// over all submitted forms.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		FormsCreated:     m.formsCreated,
		FieldsFilled:     m.fieldsFilled,
		FormsSubmitted:   m.formsSubmitted,
		ValidationErrors: m.validationErrors,
	}
	if m.formsSubmitted > 0 {
		s.AvgCompletionTime = m.completionSum / time.Duration(m.formsSubmitted)
	}
	if m.current != nil {
		s.CurrentFormID = m.current.ID
		s.CurrentStatus = m.current.Status
	}
	return s
}
