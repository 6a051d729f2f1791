package model

import "fmt"

// ValidationError rejects a malformed signal at emit time. Nothing is written
// when emit returns one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateDraft checks the caller-controlled invariants shared by every
// store and bus implementation.
func ValidateDraft(d SignalDraft) error {
	if !ValidKind(d.Entity.Kind) {
		return NewValidationError("entity_type", "unknown kind %q", d.Entity.Kind)
	}
	if d.Entity.ID == "" {
		return NewValidationError("entity_id", "must not be empty")
	}
	if d.Type == "" {
		return NewValidationError("signal_type", "must not be empty")
	}
	if d.Source == "" {
		return NewValidationError("source", "must not be empty")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return NewValidationError("confidence", "%v outside [0,1]", d.Confidence)
	}
	if (d.RuleName == "") != (d.DerivedFrom == "") {
		return NewValidationError("rule_name", "rule_name and derived_from must be set together")
	}
	return nil
}
