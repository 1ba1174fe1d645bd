// Package matching scores receipts against bank transactions and proposes
// candidate pairs for review.
package matching

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/zombor/receipt-reconciler/internal/money"
	"github.com/zombor/receipt-reconciler/internal/receipt"
)

const (
	DefaultWindowDays           = 7
	DefaultAmountWeight         = 0.5
	DefaultDateWeight           = 0.3
	DefaultVendorWeight         = 0.2
	DefaultEpsilon              = 0.01
	DefaultAutoConfirmThreshold = 0.9
)

// ErrInvalidConfig is returned by Config.Validate
var ErrInvalidConfig = errors.New("invalid matching config")

// Config tunes candidate selection and scoring
type Config struct {
	WindowDays           int
	Tolerance            money.Cents
	AmountWeight         float64
	DateWeight           float64
	VendorWeight         float64
	Epsilon              float64
	AutoConfirmThreshold float64
}

// DefaultConfig returns the default weights with a zero amount tolerance
func DefaultConfig() Config {
	return Config{
		WindowDays:           DefaultWindowDays,
		AmountWeight:         DefaultAmountWeight,
		DateWeight:           DefaultDateWeight,
		VendorWeight:         DefaultVendorWeight,
		Epsilon:              DefaultEpsilon,
		AutoConfirmThreshold: DefaultAutoConfirmThreshold,
	}
}

// Validate checks ranges and that the weights sum to 1
func (c Config) Validate() error {
	switch {
	case c.WindowDays < 0:
		return fmt.Errorf("%w: window days must not be negative", ErrInvalidConfig)
	case c.Tolerance < 0:
		return fmt.Errorf("%w: tolerance must not be negative", ErrInvalidConfig)
	case c.AmountWeight < 0 || c.DateWeight < 0 || c.VendorWeight < 0:
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidConfig)
	case math.Abs(c.AmountWeight+c.DateWeight+c.VendorWeight-1) > 1e-9:
		return fmt.Errorf("%w: weights must sum to 1", ErrInvalidConfig)
	case c.Epsilon < 0:
		return fmt.Errorf("%w: epsilon must not be negative", ErrInvalidConfig)
	case c.AutoConfirmThreshold < 0 || c.AutoConfirmThreshold > 1:
		return fmt.Errorf("%w: auto-confirm threshold must be within [0,1]", ErrInvalidConfig)
	}
	return nil
}

// Result is the outcome of one matching pass
type Result struct {
	// Matches are PROPOSED pairs, best first per receipt
	Matches []*receipt.Match
	// Autoconfirmable are the unambiguous proposals scoring at or above the threshold
	Autoconfirmable []*receipt.Match
	// NeedsManual lists receipts left without a candidate, including those
	// whose every candidate was rejected
	NeedsManual []string
	// AmbiguousReceipts counts receipts whose best candidates tied
	AmbiguousReceipts int
}

// Engine proposes matches. It is a pure function of its inputs.
type Engine struct {
	config Config
}

// NewEngine creates an Engine after validating config
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: config}, nil
}

// ProposeMatches runs the engine with default weights and the given window and tolerance
func ProposeMatches(receipts []*receipt.Receipt, transactions []*receipt.BankTransaction, windowDays int, tolerance money.Cents) (*Result, error) {
	config := DefaultConfig()
	config.WindowDays = windowDays
	config.Tolerance = tolerance
	engine, err := NewEngine(config)
	if err != nil {
		return nil, err
	}
	return engine.ProposeMatches(receipts, transactions), nil
}

// Pair identifies a receipt/transaction pairing
type Pair struct {
	ReceiptID     string
	TransactionID string
}

// tieTolerance absorbs float error when comparing score gaps with Epsilon
const tieTolerance = 1e-9

type candidate struct {
	tx     *receipt.BankTransaction
	amount float64
	date   float64
	vendor float64
	score  float64
}

// ProposeMatches scores every eligible pair and proposes, per receipt, the
// best candidate together with every candidate within Epsilon of it
func (e *Engine) ProposeMatches(receipts []*receipt.Receipt, transactions []*receipt.BankTransaction) *Result {
	return e.ProposeMatchesExcluding(receipts, transactions, nil)
}

// ProposeMatchesExcluding is ProposeMatches with the rejected pairs removed
// before grouping, so the next best candidates are proposed instead
func (e *Engine) ProposeMatchesExcluding(receipts []*receipt.Receipt, transactions []*receipt.BankTransaction, rejected map[Pair]bool) *Result {
	result := &Result{}

	open := make([]*receipt.BankTransaction, 0, len(transactions))
	for _, t := range transactions {
		if t.Status != receipt.Matched {
			open = append(open, t)
		}
	}

	sorted := slices.Clone(receipts)
	slices.SortFunc(sorted, func(a, b *receipt.Receipt) int { return cmp.Compare(a.ID, b.ID) })

	for _, r := range sorted {
		if !eligible(r) {
			continue
		}
		candidates := slices.DeleteFunc(e.candidates(r, open), func(c candidate) bool {
			return rejected[Pair{ReceiptID: r.ID, TransactionID: c.tx.ID}]
		})
		if len(candidates) == 0 {
			result.NeedsManual = append(result.NeedsManual, r.ID)
			continue
		}

		best := candidates[0].score
		group := candidates[:0:0]
		for _, c := range candidates {
			if best-c.score <= e.config.Epsilon+tieTolerance {
				group = append(group, c)
			}
		}
		ambiguous := len(group) > 1
		if ambiguous {
			result.AmbiguousReceipts++
		}

		for _, c := range group {
			m := &receipt.Match{
				ReceiptID:     r.ID,
				TransactionID: c.tx.ID,
				Score:         c.score,
				AmountScore:   c.amount,
				DateScore:     c.date,
				VendorScore:   c.vendor,
				Ambiguous:     ambiguous,
				Status:        receipt.MatchProposed,
			}
			result.Matches = append(result.Matches, m)
			if !ambiguous && c.score >= e.config.AutoConfirmThreshold {
				result.Autoconfirmable = append(result.Autoconfirmable, m)
			}
		}
	}
	return result
}

func eligible(r *receipt.Receipt) bool {
	return r.ExtractionStatus == receipt.ExtractionExtracted &&
		r.ReconciliationStatus != receipt.Matched &&
		r.Amount != 0 &&
		!r.InvoiceDate.IsZero()
}

// candidates returns the scored transactions for r, best first
func (e *Engine) candidates(r *receipt.Receipt, transactions []*receipt.BankTransaction) []candidate {
	var out []candidate
	for _, t := range transactions {
		if (r.Amount.Abs() - t.Amount.Abs()).Abs() > e.config.Tolerance {
			continue
		}
		distance := DayDistance(t.Date, r.InvoiceDate)
		if r.PaymentDate != nil {
			distance = min(distance, DayDistance(t.Date, *r.PaymentDate))
		}
		if distance > e.config.WindowDays {
			continue
		}

		c := candidate{
			tx:     t,
			amount: AmountScore(r.Amount, t.Amount, e.config.Tolerance),
			date:   DateScore(distance, e.config.WindowDays),
			vendor: VendorScore(r.Vendor, t.Description),
		}
		c.score = e.config.AmountWeight*c.amount + e.config.DateWeight*c.date + e.config.VendorWeight*c.vendor
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.tx.ID, b.tx.ID)
	})
	return out
}
