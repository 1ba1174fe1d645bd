package matching

import (
	"math"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/zombor/receipt-reconciler/internal/money"
)

// stopWords are dropped before comparing vendor names. Legal forms carry no
// signal and bank descriptions add booking noise.
var stopWords = map[string]bool{
	"gmbh": true, "ag": true, "kg": true, "ug": true, "ohg": true, "gbr": true, "ek": true,
	"co": true, "ltd": true, "inc": true, "llc": true, "plc": true, "sa": true, "sarl": true,
	"bv": true, "nv": true, "corp": true, "und": true, "and": true, "the": true, "der": true,
	"die": true, "das": true, "sagt": true, "danke": true, "sepa": true, "lastschrift": true,
	"kartenzahlung": true, "ec": true, "pos": true, "payment": true, "purchase": true,
}

// AmountScore is 1 for an exact match and falls linearly to 0 at tolerance.
// Amounts are compared by absolute value.
func AmountScore(receiptAmount, transactionAmount, tolerance money.Cents) float64 {
	diff := (receiptAmount.Abs() - transactionAmount.Abs()).Abs()
	if diff > tolerance {
		return 0
	}
	if tolerance == 0 {
		return 1
	}
	return 1 - float64(diff)/float64(tolerance)
}

// DateScore is 1 on the same day and falls linearly to 0 at windowDays
func DateScore(distanceDays, windowDays int) float64 {
	if distanceDays < 0 || distanceDays > windowDays {
		return 0
	}
	if windowDays == 0 {
		return 1
	}
	return 1 - float64(distanceDays)/float64(windowDays)
}

// DayDistance returns the number of calendar days between a and b
func DayDistance(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(math.Round(da.Sub(db).Hours() / 24))
	if days < 0 {
		return -days
	}
	return days
}

// VendorScore is the overlap coefficient |A∩B| / min(|A|,|B|) of the
// normalized token sets, 0 when either side has no tokens
func VendorScore(vendor, description string) float64 {
	a := Tokens(vendor)
	b := Tokens(description)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	return float64(shared) / float64(min(len(a), len(b)))
}

// Tokens lower-cases, folds diacritics and splits s into words, dropping
// stop-words and single characters
func Tokens(s string) map[string]bool {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	folded = strings.ReplaceAll(strings.ToLower(folded), "ß", "ss")

	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]bool, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 || stopWords[w] {
			continue
		}
		tokens[w] = true
	}
	return tokens
}
