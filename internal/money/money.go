// Package money holds currency-scaled amounts and the parser used for
// extracted and imported amount strings.
package money

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Cents is an amount scaled by 100. It never passes through float64.
type Cents int64

// Abs returns the absolute value
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

// Decimal returns the amount as a decimal with two places
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

var (
	// ErrEmpty is returned for blank input
	ErrEmpty = errors.New("empty amount")
	// ErrAmbiguous is returned when separators cannot be resolved unambiguously
	ErrAmbiguous = errors.New("ambiguous amount")
	// ErrInvalid is returned for input that is not an amount at all
	ErrInvalid = errors.New("invalid amount")
)

// FromDecimal converts d to cents. Values with more than two decimal places
// are rejected rather than rounded.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	shifted := d.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than two decimal places", ErrInvalid, d.String())
	}
	return Cents(shifted.IntPart()), nil
}

// Parse converts a human-written amount into cents.
//
// Currency symbols, codes and whitespace are accepted only before the first
// digit or after the last one; a letter between digits ("1O5,00", "1e5") is
// rejected. When both '.' and ',' appear, or a single separator is followed
// by one or two trailing digits, the last separator is the decimal point and
// every other separator must delimit groups of exactly three digits. A lone
// separator followed by exactly three digits ("1.234", "1,234") could be
// either a thousands separator or a three-place decimal and is rejected with
// ErrAmbiguous. A repeated single separator ("1,234,567") is always grouping.
// Negative amounts are written with a leading or trailing '-' or in
// parentheses.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	runes := []rune(s)
	first, last := numberSpan(runes)
	if first == -1 {
		return 0, fmt.Errorf("%w: no digits in %q", ErrInvalid, s)
	}

	var b strings.Builder
	for i, r := range runes {
		if i >= first && i <= last {
			switch {
			case r >= '0' && r <= '9', r == '.', r == ',':
				b.WriteRune(r)
			case r == '\'', unicode.IsSpace(r):
				// apostrophes and spaces group thousands
			default:
				return 0, fmt.Errorf("%w: unexpected character %q inside %q", ErrInvalid, r, s)
			}
			continue
		}
		switch {
		case r == '-' || r == '−':
			negative = true
		case r == '+', unicode.IsSpace(r), unicode.IsLetter(r), unicode.Is(unicode.Sc, r):
			// currency codes and symbols around the number
		case r == '.' && i > 0 && unicode.IsLetter(runes[i-1]):
			// abbreviations such as "Fr."
		default:
			return 0, fmt.Errorf("%w: unexpected character %q", ErrInvalid, r)
		}
	}
	clean := b.String()
	if clean == "" || strings.Trim(clean, ".,") == "" {
		return 0, fmt.Errorf("%w: no digits in %q", ErrInvalid, s)
	}

	intPart, fracPart, err := splitSeparators(clean)
	if err != nil {
		return 0, err
	}

	text := intPart
	if text == "" {
		text = "0"
	}
	if fracPart != "" {
		text += "." + fracPart
	}
	if negative {
		text = "-" + text
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromDecimal(d)
}

// numberSpan returns the rune indexes of the numeric part: first digit to last
// digit, widened over separators touching them (".50", "12,"). It returns -1, -1
// when there is no digit.
func numberSpan(runes []rune) (int, int) {
	first, last := -1, -1
	for i, r := range runes {
		if r >= '0' && r <= '9' {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return -1, -1
	}
	for first > 0 && isSeparator(runes[first-1]) && (first < 2 || !unicode.IsLetter(runes[first-2])) {
		first--
	}
	for last < len(runes)-1 && isSeparator(runes[last+1]) {
		last++
	}
	return first, last
}

func isSeparator(r rune) bool {
	return r == '.' || r == ','
}

// splitSeparators returns the digits before and after the decimal point
func splitSeparators(s string) (string, string, error) {
	last := strings.LastIndexAny(s, ".,")
	if last == -1 {
		return s, "", nil
	}
	sep := s[last]
	trailing := s[last+1:]
	head := s[:last]

	mixed := strings.ContainsAny(head, otherSeparator(sep))
	repeated := strings.IndexByte(head, sep) != -1

	switch {
	case len(trailing) == 1 || len(trailing) == 2:
		// decimal point; head may only contain the other separator as grouping
		if repeated {
			return "", "", fmt.Errorf("%w: %q repeats the decimal separator", ErrInvalid, s)
		}
		intPart, err := ungroup(head, otherSeparator(sep))
		if err != nil {
			return "", "", err
		}
		return intPart, trailing, nil
	case len(trailing) == 3:
		if mixed {
			return "", "", fmt.Errorf("%w: %q has three decimal places", ErrAmbiguous, s)
		}
		if !repeated {
			return "", "", fmt.Errorf("%w: cannot tell whether %q groups thousands", ErrAmbiguous, s)
		}
		intPart, err := ungroup(s, string(sep))
		if err != nil {
			return "", "", err
		}
		return intPart, "", nil
	case len(trailing) == 0:
		return "", "", fmt.Errorf("%w: %q ends with a separator", ErrInvalid, s)
	default:
		return "", "", fmt.Errorf("%w: %q has %d decimal places", ErrInvalid, s, len(trailing))
	}
}

func otherSeparator(sep byte) string {
	if sep == '.' {
		return ","
	}
	return "."
}

// ungroup strips grouping separators after checking the groups are three digits wide
func ungroup(s string, seps string) (string, error) {
	if strings.ContainsAny(s, otherSeparator(seps[0])) {
		return "", fmt.Errorf("%w: %q mixes separators", ErrInvalid, s)
	}
	if !strings.ContainsAny(s, seps) {
		return s, nil
	}
	groups := strings.Split(s, seps)
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return "", fmt.Errorf("%w: %q has a malformed leading group", ErrInvalid, s)
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return "", fmt.Errorf("%w: %q has a group of %d digits", ErrInvalid, s, len(g))
		}
	}
	return strings.Join(groups, ""), nil
}
