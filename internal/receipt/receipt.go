package receipt

import (
	"cmp"
	"slices"
	"time"

	"github.com/zombor/receipt-reconciler/internal/money"
)

// ExtractionStatus tracks a receipt through document extraction
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "PENDING"
	ExtractionExtracted ExtractionStatus = "EXTRACTED"
	ExtractionFailed    ExtractionStatus = "FAILED"
)

// ReconciliationStatus tells whether a receipt or transaction has a confirmed match
type ReconciliationStatus string

const (
	Unmatched ReconciliationStatus = "UNMATCHED"
	Matched   ReconciliationStatus = "MATCHED"
)

// MatchStatus is the state of a receipt/transaction pairing
type MatchStatus string

const (
	MatchProposed  MatchStatus = "PROPOSED"
	MatchConfirmed MatchStatus = "CONFIRMED"
	MatchRejected  MatchStatus = "REJECTED"
)

// Receipt represents one scanned expense document
type Receipt struct {
	ID                   string               `json:"id"` // storage-provider file id
	Vendor               string               `json:"vendor,omitempty"`
	InvoiceDate          time.Time            `json:"invoice_date"`
	PaymentDate          *time.Time           `json:"payment_date,omitempty"`
	Amount               money.Cents          `json:"amount"` // Amount in cents
	InvoiceNumber        string               `json:"invoice_number,omitempty"`
	FolderPath           string               `json:"folder_path"`
	Filename             string               `json:"filename"`
	ContentType          string               `json:"content_type"`
	ExtractionStatus     ExtractionStatus     `json:"extraction_status"`
	ExtractionError      string               `json:"extraction_error,omitempty"`
	Confidence           float64              `json:"confidence"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status"`
	CreatedAt            time.Time            `json:"created_at"`
	// UpdatedAt changes only when the receipt's data changes, never on match status changes
	UpdatedAt time.Time `json:"updated_at"`
}

// BankTransaction is one normalized line of an imported bank statement
type BankTransaction struct {
	ID          string               `json:"id"`
	AccountID   string               `json:"account_id"`
	Date        time.Time            `json:"date"`
	Amount      money.Cents          `json:"amount"` // debits negative
	Description string               `json:"description"`
	Status      ReconciliationStatus `json:"status"`
	ImportedAt  time.Time            `json:"imported_at"`
}

// Match pairs a receipt with a bank transaction
type Match struct {
	ReceiptID     string      `json:"receipt_id"`
	TransactionID string      `json:"transaction_id"`
	Score         float64     `json:"score"`
	AmountScore   float64     `json:"amount_score"`
	DateScore     float64     `json:"date_score"`
	VendorScore   float64     `json:"vendor_score"`
	Ambiguous     bool        `json:"ambiguous"` // another candidate scored within the tie epsilon
	Manual        bool        `json:"manual"`
	Status        MatchStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

// ReceiptFilter narrows ListReceipts. Zero values match everything.
type ReceiptFilter struct {
	Status     ExtractionStatus
	FolderPath string
	Unmatched  bool
}

func (f ReceiptFilter) matches(r *Receipt) bool {
	if f.Status != "" && r.ExtractionStatus != f.Status {
		return false
	}
	if f.FolderPath != "" && r.FolderPath != f.FolderPath {
		return false
	}
	if f.Unmatched && r.ReconciliationStatus == Matched {
		return false
	}
	return true
}

// TransactionFilter narrows ListTransactions. From and To are inclusive dates.
type TransactionFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
	Unmatched bool
}

func (f TransactionFilter) matches(t *BankTransaction) bool {
	if f.AccountID != "" && t.AccountID != f.AccountID {
		return false
	}
	if !f.From.IsZero() && t.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Date.After(f.To) {
		return false
	}
	if f.Unmatched && t.Status == Matched {
		return false
	}
	return true
}

// MatchFilter narrows ListMatches. Zero values match everything.
type MatchFilter struct {
	Status        MatchStatus
	ReceiptID     string
	TransactionID string
}

func (f MatchFilter) matches(m *Match) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.ReceiptID != "" && m.ReceiptID != f.ReceiptID {
		return false
	}
	if f.TransactionID != "" && m.TransactionID != f.TransactionID {
		return false
	}
	return true
}

// ParseMatchStatus validates a status from user input; "" is allowed
func ParseMatchStatus(s string) (MatchStatus, bool) {
	switch st := MatchStatus(s); st {
	case "", MatchProposed, MatchConfirmed, MatchRejected:
		return st, true
	default:
		return "", false
	}
}

// ParseExtractionStatus validates a status from user input; "" is allowed
func ParseExtractionStatus(s string) (ExtractionStatus, bool) {
	switch st := ExtractionStatus(s); st {
	case "", ExtractionPending, ExtractionExtracted, ExtractionFailed:
		return st, true
	default:
		return "", false
	}
}

func sortTransactions(txs []*BankTransaction) {
	slices.SortStableFunc(txs, func(a, b *BankTransaction) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// sortMatches orders by descending score, then by pair for stable output
func sortMatches(ms []*Match) {
	slices.SortStableFunc(ms, func(a, b *Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ReceiptID, b.ReceiptID); c != 0 {
			return c
		}
		return cmp.Compare(a.TransactionID, b.TransactionID)
	})
}
