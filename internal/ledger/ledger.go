// Package ledger imports bank statement rows as normalized transactions.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-reconciler/internal/failure"
	"github.com/zombor/receipt-reconciler/internal/money"
	"github.com/zombor/receipt-reconciler/internal/receipt"
)

// Row is one raw ledger line as it appears in an import file
type Row struct {
	Date        string `json:"date"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Account     string `json:"account,omitempty"`
	ID          string `json:"id,omitempty"`        // provider transaction id, if any
	Direction   string `json:"direction,omitempty"` // DEBIT or CREDIT, overrides the amount sign
}

// Store persists transactions, skipping IDs it already knows
type Store interface {
	InsertTransactions(ctx context.Context, txs []*receipt.BankTransaction) (int, error)
}

// dateLayouts are tried in order; day-first dotted dates are the common
// European export format
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02.01.2006",
	"2006/01/02",
	"01/02/2006",
}

// Loader imports ledger rows into a Store
type Loader struct {
	store Store
	now   func() time.Time
}

// NewLoader creates a Loader
func NewLoader(store Store) *Loader {
	return &Loader{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// ImportTransactions normalizes rows and stores the ones not seen before.
// The whole batch is rejected if any row cannot be parsed. It returns the
// number of newly stored transactions, so re-importing the same rows yields 0.
func (l *Loader) ImportTransactions(ctx context.Context, accountID string, rows []Row) (int, error) {
	now := l.now()
	seen := make(map[string]bool, len(rows))
	txs := make([]*receipt.BankTransaction, 0, len(rows))

	for i, row := range rows {
		t, err := Normalize(accountID, row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i+1, err)
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		t.ImportedAt = now
		txs = append(txs, t)
	}

	inserted, err := l.store.InsertTransactions(ctx, txs)
	if err != nil {
		return 0, fmt.Errorf("storing transactions: %w", err)
	}
	slog.Info("Imported transactions",
		"account_id", accountID,
		"rows", len(rows),
		"distinct", len(txs),
		"new", inserted,
	)
	return inserted, nil
}

// Normalize converts a row into a transaction with a stable identity
func Normalize(accountID string, row Row) (*receipt.BankTransaction, error) {
	account := strings.TrimSpace(row.Account)
	if account == "" {
		account = strings.TrimSpace(accountID)
	}
	if account == "" {
		return nil, failure.NewParse("account", "missing")
	}

	date, err := ParseDate(row.Date)
	if err != nil {
		return nil, err
	}

	amount, err := money.Parse(row.Amount)
	if err != nil {
		return nil, failure.NewParse("amount", err.Error())
	}
	if amount == 0 {
		return nil, failure.NewParse("amount", "zero")
	}

	switch strings.ToUpper(strings.TrimSpace(row.Direction)) {
	case "":
	case "DEBIT", "DR", "D":
		amount = -amount.Abs()
	case "CREDIT", "CR", "C":
		amount = amount.Abs()
	default:
		return nil, failure.NewParse("direction", fmt.Sprintf("unknown value %q", row.Direction))
	}

	description := strings.TrimSpace(row.Description)
	id := strings.TrimSpace(row.ID)
	if id == "" {
		id = Identity(account, date, amount, description)
	}

	return &receipt.BankTransaction{
		ID:          id,
		AccountID:   account,
		Date:        date,
		Amount:      amount,
		Description: description,
		Status:      receipt.Unmatched,
	}, nil
}

// ParseDate accepts the supported ledger date layouts and returns a UTC date
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, failure.NewParse("date", "missing")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, failure.NewParse("date", fmt.Sprintf("unrecognized format %q", s))
}

// Identity hashes account, date, amount and normalized description
func Identity(accountID string, date time.Time, amount money.Cents, description string) string {
	key := strings.Join([]string{
		accountID,
		date.Format("2006-01-02"),
		fmt.Sprintf("%d", int64(amount)),
		normalizeDescription(description),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
