package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoAmount is returned when text contains no parsable number.
var ErrNoAmount = errors.New("no numeric amount found")

type currencySymbol struct {
	symbol string
	code   string
}

// currencySymbols is matched in order. Prefixed dollars precede "$".
var currencySymbols = []currencySymbol{
	{"us$", "USD"},
	{"a$", "AUD"},
	{"c$", "CAD"},
	{"chf", "CHF"},
	{"zł", "PLN"},
	{"kr", "SEK"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"$", "USD"},
}

var symbolCodes = func() map[string]string {
	m := make(map[string]string, len(currencySymbols))
	for _, s := range currencySymbols {
		m[s.symbol] = s.code
	}
	return m
}()

var (
	isoCodePattern = regexp.MustCompile(`\b([A-Z]{3})\b`)
	amountPattern  = regexp.MustCompile(`-?[0-9][0-9.,'\s\x{00A0}]*`)
)

// ParseAmount leniently parses a price string such as "€1.234,56",
// "1,234.56 USD", "45,00" or "45". It returns the amount and the currency
// detected in the text, if any.
func ParseAmount(text string) (decimal.Decimal, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return decimal.Zero, "", ErrNoAmount
	}

	currency := DetectCurrency(text)

	match := amountPattern.FindString(text)
	if match == "" {
		return decimal.Zero, currency, fmt.Errorf("%w in %q", ErrNoAmount, text)
	}

	clean := cleanNumber(match)
	if clean == "" || clean == "-" {
		return decimal.Zero, currency, fmt.Errorf("%w in %q", ErrNoAmount, text)
	}

	value, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, currency, fmt.Errorf("invalid amount %q: %w", text, err)
	}
	return value, currency, nil
}

// DetectCurrency returns the ISO code found in text, or "" when none.
func DetectCurrency(text string) string {
	if m := isoCodePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	lower := strings.ToLower(text)
	for _, s := range currencySymbols {
		if strings.Contains(lower, s.symbol) {
			return s.code
		}
	}
	return ""
}

// NormalizeCurrency maps a symbol or code to an upper-case ISO 4217 code.
func NormalizeCurrency(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if code, ok := symbolCodes[strings.ToLower(raw)]; ok {
		return code, true
	}
	code := strings.ToUpper(raw)
	if len(code) != 3 {
		return "", false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return code, true
}

// cleanNumber converts a locale-formatted number to a plain decimal string.
// When both separators are present the right-most one is the decimal mark.
// A lone separator, comma or dot, is a decimal mark unless it groups exactly
// three digits after a non-zero integer part: "1.250" and "1,250" are 1250,
// "0.125" stays 0.125.
func cleanNumber(s string) string {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "'", "").Replace(s)
	s = strings.TrimRight(s, ".,")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && !groupsThousands(s, lastComma) {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || groupsThousands(s, lastDot) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	return s
}

// groupsThousands reports whether the lone separator at sep splits off a
// three-digit group.
func groupsThousands(s string, sep int) bool {
	if len(s)-sep-1 != 3 {
		return false
	}
	whole := strings.TrimLeft(strings.TrimPrefix(s[:sep], "-"), "0")
	return whole != ""
}
