package scanning

import (
	"context"
	"time"

	"github.com/zombor/receipt-reconciler/internal/money"
)

// Fields contains the structured data extracted from a receipt document
type Fields struct {
	Vendor        string      `json:"vendor"`
	Amount        money.Cents `json:"amount"`
	InvoiceDate   time.Time   `json:"invoice_date"`
	PaymentDate   *time.Time  `json:"payment_date,omitempty"`
	InvoiceNumber string      `json:"invoice_number,omitempty"`
	Confidence    float64     `json:"confidence"`
}

// Extractor defines the interface for document extraction
type Extractor interface {
	// Extract analyzes a receipt image/PDF and extracts its fields.
	// Malformed or incomplete output is reported as a *failure.ParseError.
	Extract(ctx context.Context, data []byte, mimeType string) (*Fields, error)
	// Close releases resources held by the extractor
	Close() error
}
