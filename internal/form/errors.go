package form

import (
	"errors"
	"fmt"
)

// Code classifies a request-level form failure.
type Code string

const (
	CodeNoActiveForm        Code = "no_active_form"
	CodeUnknownFormType     Code = "unknown_form_type"
	CodeUnknownField        Code = "unknown_field"
	CodeValidationError     Code = "validation_error"
	CodeSubmissionCancelled Code = "submission_cancelled"
	CodeValidationFailed    Code = "validation_failed"

	// CodeRateLimited is reserved for request throttling. Nothing in this
	// package returns it yet.
	CodeRateLimited Code = "rate_limited"
)

// Error is a structured form failure. Callers forward it to the user rather
// than treating it as fatal.
type Error struct {
	Code    Code
	Message string

	// AvailableTypes is set for CodeUnknownFormType.
	AvailableTypes []string

	// AvailableFields and Suggestion are set for CodeUnknownField.
	// Suggestion is the closest field name, if one is close enough.
	AvailableFields []string
	Suggestion      string

	// Field and FieldType are set for CodeValidationError.
	Field     string
	FieldType FieldType

	// Validation is set for CodeValidationFailed.
	Validation *Validation
}

func (e *Error) Error() string {
	return fmt.Sprintf("form: %s: %s", e.Code, e.Message)
}

// CodeOf returns the Code carried by err, or "" if err is not an [*Error].
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
