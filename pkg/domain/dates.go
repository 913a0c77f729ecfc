package domain

import (
	"fmt"
	"time"
)

// ValidateISODate checks that raw is a real calendar date in YYYY-MM-DD form.
func ValidateISODate(raw string) error {
	if _, err := time.Parse("2006-01-02", raw); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return nil
}

// Effective and expiry dates are ISO YYYY-MM-DD strings and compared
// lexically. That is valid only because this exact format sorts lexically
// equal to chronologically; the helpers below must not be generalized to
// other date formats.

// DateContains reports whether target falls inside [effective, expiry].
// A nil or empty bound is treated as unbounded.
func DateContains(effective string, expiry *string, target string) bool {
	if effective != "" && target < effective {
		return false
	}
	if expiry != nil && *expiry != "" && target > *expiry {
		return false
	}
	return true
}

// DatesOverlap reports whether the [effective, expiry] windows of two rules
// intersect. Open ends are treated as unbounded.
func DatesOverlap(effectiveA string, expiryA *string, effectiveB string, expiryB *string) bool {
	startsBeforeEnd := func(start string, end *string) bool {
		if end == nil || *end == "" {
			return true
		}
		return start <= *end
	}
	return startsBeforeEnd(effectiveA, expiryB) && startsBeforeEnd(effectiveB, expiryA)
}
