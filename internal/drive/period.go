package drive

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	yearPattern      = regexp.MustCompile(`^(\d{4})$`)
	yearMonthPattern = regexp.MustCompile(`^\d{4}[-_. ](\d{1,2})$`)
	monthPrefix      = regexp.MustCompile(`^(\d{1,2})(?:$|[-_. ])`)
)

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January, "januar": time.January,
	"february": time.February, "feb": time.February, "februar": time.February,
	"march": time.March, "mar": time.March, "märz": time.March, "maerz": time.March, "mrz": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May, "mai": time.May,
	"june": time.June, "jun": time.June, "juni": time.June,
	"july": time.July, "jul": time.July, "juli": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October, "oktober": time.October, "okt": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December, "dezember": time.December, "dez": time.December,
}

// parseYear reads a year folder name such as "2025"
func parseYear(name string) (int, bool) {
	m := yearPattern.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return 0, false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return year, true
}

// parseMonth reads a month folder name: "6", "06", "2025-06", "06_June", "Juni"
func parseMonth(name string) (time.Month, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if m := yearMonthPattern.FindStringSubmatch(name); m != nil {
		return toMonth(m[1])
	}
	if m := monthPrefix.FindStringSubmatch(name); m != nil {
		return toMonth(m[1])
	}
	if month, ok := monthNames[name]; ok {
		return month, true
	}
	return 0, false
}

func toMonth(s string) (time.Month, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 12 {
		return 0, false
	}
	return time.Month(n), true
}
