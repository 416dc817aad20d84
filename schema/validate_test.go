package schema

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.Err() != nil {
		t.Fatal("expected nil error for no failures")
	}

	errs.Required("id", "ch_1")
	errs.Required("customer", "")
	errs.Add("amount", "must not be negative, got %d", -5)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}

	err := fmt.Errorf("decode: %w", errs.Err())
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if ve[0].Path != "customer" || ve[0].Message != "is required" {
		t.Errorf("unexpected first error %+v", ve[0])
	}
	msg := err.Error()
	for _, want := range []string{"2 error(s)", "customer: is required", "amount: must not be negative, got -5"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestValidationErrorWithoutPath(t *testing.T) {
	e := &ValidationError{Message: "empty document"}
	if e.Error() != "empty document" {
		t.Errorf("unexpected message %q", e.Error())
	}
}
