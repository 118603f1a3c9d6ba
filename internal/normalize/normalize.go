// Package normalize converts heterogeneous textual numeric input into a
// canonical decimal value. The rules are fixed; there is no locale or
// environment dependency.
package normalize

import (
	"strings"

	"github.com/shopspring/decimal"
)

// currencyMarkers are stripped before parsing, longest first so "SEK"
// wins over a stray "E".
var currencyMarkers = []string{"SEK", "USD", "EUR", "kr", "$", "€", "£"}

// emptyTokens are inputs that mean "no value recorded".
var emptyTokens = map[string]struct{}{
	"":     {},
	"-":    {},
	"n/a":  {},
	"null": {},
}

// Value parses raw into a decimal. The second return is false when the
// input carries no value or is not numeric; callers must treat that as
// "skip", never as an error.
func Value(raw string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(raw)
	if _, empty := emptyTokens[strings.ToLower(cleaned)]; empty {
		return decimal.Decimal{}, false
	}

	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "\t", "")
	cleaned = strings.TrimSuffix(cleaned, "%")
	for _, marker := range currencyMarkers {
		cleaned = strings.ReplaceAll(cleaned, marker, "")
	}
	cleaned = strings.TrimSpace(cleaned)

	cleaned = resolveSeparators(cleaned)
	if cleaned == "" {
		return decimal.Decimal{}, false
	}

	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}

// resolveSeparators rewrites comma/point usage into plain point-decimal
// form. When both separators appear the last occurrence is the decimal
// separator and the other is thousands grouping. A single lone comma is a
// decimal comma; repeated lone separators are grouping.
func resolveSeparators(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastPoint := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastPoint >= 0:
		if lastComma > lastPoint {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastPoint >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	return s
}
