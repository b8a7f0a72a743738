// Package symbol handles equity ticker symbol validation and normalization.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches short exchange symbols: letters, digits, '.' and '-'.
// Examples: AAPL, BRK.B, BF-B.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9.\-]{1,20}$`)

// ErrInvalidSymbol is returned for anything that does not look like a ticker.
var ErrInvalidSymbol = errors.New("symbol: invalid ticker symbol")

// Clean uppercases and trims a raw symbol and validates it.
func Clean(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// Valid reports whether raw normalizes to an acceptable ticker.
func Valid(raw string) bool {
	_, err := Clean(raw)
	return err == nil
}
