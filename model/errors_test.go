package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Form not found"}
	want := "NOT_FOUND: Form not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
	var _ error = (*ValidationErrors)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "name", Code: "required", Message: "This field is required."},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "name" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "name")
	}
}

func TestNewBackendRejectedError(t *testing.T) {
	e := NewBackendRejectedError(409, "")
	if e.Code != ErrBackendRejected {
		t.Errorf("Code = %q, want %q", e.Code, ErrBackendRejected)
	}
	if e.Status != 409 {
		t.Errorf("Status = %d, want 409", e.Status)
	}
	if e.Message == "" {
		t.Error("Message is empty")
	}
}

func TestBackendErrors(t *testing.T) {
	if got := NewBackendUnavailableError().Code; got != ErrBackendUnavailable {
		t.Errorf("Code = %q, want %q", got, ErrBackendUnavailable)
	}
	if got := NewBackendTimeoutError().Code; got != ErrBackendTimeout {
		t.Errorf("Code = %q, want %q", got, ErrBackendTimeout)
	}
	if got := NewInternalError().Code; got != ErrInternalError {
		t.Errorf("Code = %q, want %q", got, ErrInternalError)
	}
}

func TestValidationErrors_Tagged(t *testing.T) {
	orig := NewValidationErrors("Invalid form", nil)
	tagged := orig.Tagged(ContextForm)

	if tagged.Context != ContextForm {
		t.Errorf("Context = %q, want %q", tagged.Context, ContextForm)
	}
	if orig.Context != ContextNone {
		t.Errorf("original mutated: Context = %q", orig.Context)
	}

	// An existing tag wins.
	again := tagged.Tagged(ContextVariables)
	if again.Context != ContextForm {
		t.Errorf("Context = %q, want %q", again.Context, ContextForm)
	}
}

func TestValidationErrors_ForStep(t *testing.T) {
	e := NewValidationErrors("Invalid step", []FieldError{{Field: "configuration", Code: "invalid"}}).ForStep(2)
	if e.Context != ContextSteps {
		t.Errorf("Context = %q, want %q", e.Context, ContextSteps)
	}
	if e.Step == nil || *e.Step != 2 {
		t.Fatalf("Step = %v, want 2", e.Step)
	}
	if got, want := e.Error(), "steps[2]: Invalid step (1 field errors)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_HasFieldContaining(t *testing.T) {
	e := NewValidationErrors("", []FieldError{
		{Field: "0.serviceFetchConfiguration.headers"},
	})
	if !e.HasFieldContaining("serviceFetchConfiguration") {
		t.Error("HasFieldContaining = false, want true")
	}
	if e.HasFieldContaining("initialValue") {
		t.Error("HasFieldContaining(initialValue) = true, want false")
	}
}

func TestAsValidationErrors(t *testing.T) {
	ve := NewValidationErrors("bad", nil)
	wrapped := fmt.Errorf("saving: %w", ve)

	got, ok := AsValidationErrors(wrapped)
	if !ok || got != ve {
		t.Errorf("AsValidationErrors = %v, %v", got, ok)
	}

	if _, ok := AsValidationErrors(errors.New("boom")); ok {
		t.Error("plain error classified as validation errors")
	}
	if _, ok := AsValidationErrors(NewInternalError()); ok {
		t.Error("envelope classified as validation errors")
	}
}

func TestErrorContext_Valid(t *testing.T) {
	for _, c := range []ErrorContext{ContextForm, ContextSteps, ContextVariables, ContextLogicRules} {
		if !c.Valid() {
			t.Errorf("%q.Valid() = false", c)
		}
	}
	if ContextNone.Valid() || ErrorContext("appointments").Valid() {
		t.Error("unknown context reported valid")
	}
}
