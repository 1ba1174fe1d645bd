package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-reconciler/internal/failure"
	"github.com/zombor/receipt-reconciler/internal/money"
)

// MaxResponseSize bounds the extraction output we are willing to parse
const MaxResponseSize = 64 << 10

// rawFields mirrors the JSON the extraction prompt asks for
type rawFields struct {
	Vendor        *string         `json:"vendor"`
	Amount        json.RawMessage `json:"amount"`
	InvoiceDate   *string         `json:"invoice_date"`
	PaymentDate   *string         `json:"payment_date"`
	InvoiceNumber json.RawMessage `json:"invoice_number"`
	Confidence    *float64        `json:"confidence"`
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"2.1.2006",
	"02.01.06",
	time.RFC3339,
}

// parseFields turns a model response into Fields. It never guesses: a missing
// or ambiguous amount or invoice date is a ParseError.
func parseFields(text string) (*Fields, error) {
	if len(text) > MaxResponseSize {
		return nil, failure.NewParse("", "response exceeds maximum size")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, failure.NewParse("", "empty response")
	}

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, failure.NewParse("", "no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, failure.NewParse("", "invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw rawFields
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, failure.NewParse("", fmt.Sprintf("unmarshaling json: %v", err))
	}

	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return nil, err
	}

	if raw.InvoiceDate == nil || strings.TrimSpace(*raw.InvoiceDate) == "" {
		return nil, failure.NewParse("invoice_date", "missing")
	}
	invoiceDate, err := parseDate(*raw.InvoiceDate)
	if err != nil {
		return nil, failure.NewParse("invoice_date", err.Error())
	}

	fields := &Fields{
		Amount:        amount,
		InvoiceDate:   invoiceDate,
		InvoiceNumber: rawString(raw.InvoiceNumber),
	}
	if raw.Vendor != nil {
		fields.Vendor = strings.TrimSpace(*raw.Vendor)
	}
	if raw.PaymentDate != nil && strings.TrimSpace(*raw.PaymentDate) != "" {
		// an unreadable payment date is dropped; the invoice date still anchors matching
		if d, err := parseDate(*raw.PaymentDate); err == nil {
			fields.PaymentDate = &d
		}
	}
	if raw.Confidence != nil {
		fields.Confidence = clamp(*raw.Confidence)
	}
	return fields, nil
}

// parseAmount accepts a JSON number or a string and rejects anything ambiguous
func parseAmount(raw json.RawMessage) (money.Cents, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, failure.NewParse("amount", "missing")
	}

	var cents money.Cents
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, failure.NewParse("amount", err.Error())
		}
		c, err := money.Parse(s)
		if err != nil {
			return 0, failure.NewParse("amount", err.Error())
		}
		cents = c
	} else {
		d, err := decimal.NewFromString(string(trimmed))
		if err != nil {
			return 0, failure.NewParse("amount", fmt.Sprintf("not a number: %s", trimmed))
		}
		c, err := money.FromDecimal(d)
		if err != nil {
			return 0, failure.NewParse("amount", err.Error())
		}
		cents = c
	}

	if cents == 0 {
		return 0, failure.NewParse("amount", "zero amount")
	}
	return cents.Abs(), nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// rawString reads a string or number field as text
func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(trimmed)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
