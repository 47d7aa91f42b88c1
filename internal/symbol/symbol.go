// Package symbol handles ticker symbol normalisation and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: a leading letter followed by up to nine letters,
// digits, dots or dashes. Examples: AAPL, BRK.B, RDS-A
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var (
	ErrEmpty   = errors.New("symbol: empty symbol")
	ErrInvalid = errors.New("symbol: invalid symbol format")
)

// Normalize trims and upper-cases a user-supplied symbol and validates it.
// Lookups, ledger rows and holdings all use the normalized form.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrEmpty
	}
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-10 chars of A-Z, 0-9, '.', '-')",
			ErrInvalid, raw)
	}
	return s, nil
}

// Valid reports whether s is already in normalized form.
func Valid(s string) bool {
	return symbolRegex.MatchString(s)
}
