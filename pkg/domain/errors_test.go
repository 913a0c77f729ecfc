package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestMergeValidationMatchesMergeFailed(t *testing.T) {
	var err error = ErrMergeValidation{Section: "formulas", Field: "tax_due", RuleID: "ghost"}
	if !errors.Is(err, ErrMergeFailed{}) {
		t.Fatalf("validation failure should match the merge failure fallback path")
	}
	wrapped := fmt.Errorf("aggregate: %w", err)
	if !errors.Is(wrapped, ErrMergeFailed{}) {
		t.Fatalf("wrapped validation failure should still match")
	}
}

func TestErrPersistenceUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrPersistence{Op: "replace brackets", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to expose cause")
	}
	if err.Error() == "" {
		t.Fatalf("expected message")
	}
}

func TestParseTaxType(t *testing.T) {
	for _, valid := range []string{"income_tax", "paye", "vat"} {
		if _, err := ParseTaxType(valid); err != nil {
			t.Fatalf("valid type %q rejected: %v", valid, err)
		}
	}
	if _, err := ParseTaxType("stamp_duty"); err == nil {
		t.Fatalf("expected unknown type rejection")
	}
}
