package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-reconciler/internal/money"
)

// ErrInvalidInput is returned when manually entered data is incomplete
var ErrInvalidInput = errors.New("invalid input")

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Downloader fetches a receipt document from its storage provider
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, string, error)
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles receipt, transaction and match operations for reviewers
type Service struct {
	db         DB
	storage    Storage
	downloader Downloader
	timeSource TimeSource
}

// NewService creates a new Service with the default time source.
// downloader may be nil, in which case only cached documents are served.
func NewService(db DB, storage Storage, downloader Downloader) *Service {
	return NewServiceWithDeps(db, storage, downloader, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, downloader Downloader, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		storage:    storage,
		downloader: downloader,
		timeSource: timeSrc,
	}
}

// ReceiptUpdate carries manually entered receipt data
type ReceiptUpdate struct {
	Vendor        string
	Amount        money.Cents
	InvoiceDate   time.Time
	PaymentDate   *time.Time
	InvoiceNumber string
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns receipts matching filter
func (s *Service) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceipt stores manually entered data and marks the receipt EXTRACTED
// so the next reconciliation run can match it
func (s *Service) UpdateReceipt(ctx context.Context, id string, update ReceiptUpdate) (*Receipt, error) {
	if update.Amount == 0 {
		return nil, fmt.Errorf("amount is required: %w", ErrInvalidInput)
	}
	if update.InvoiceDate.IsZero() {
		return nil, fmt.Errorf("invoice date is required: %w", ErrInvalidInput)
	}

	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	receipt.Vendor = update.Vendor
	receipt.Amount = update.Amount.Abs()
	receipt.InvoiceDate = update.InvoiceDate
	receipt.PaymentDate = update.PaymentDate
	receipt.InvoiceNumber = update.InvoiceNumber
	receipt.ExtractionStatus = ExtractionExtracted
	receipt.ExtractionError = ""
	receipt.Confidence = 1
	receipt.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}
	slog.Info("Receipt updated manually", "receipt_id", id, "amount", receipt.Amount.String())
	return receipt, nil
}

// DeleteReceipt removes a receipt, its matches and its cached document
func (s *Service) DeleteReceipt(ctx context.Context, id string) error {
	if err := s.db.DeleteReceipt(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}

	if err := s.storage.Delete(id); err != nil {
		// Log error, the database row is already gone
		slog.Warn("Failed to delete cached document", "receipt_id", id, "error", err)
	}
	return nil
}

// GetReceiptFile returns the document for a receipt, downloading and caching it on a miss
func (s *Service) GetReceiptFile(ctx context.Context, id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(id)
	if err == nil {
		return data, receipt.ContentType, nil
	}
	if !errors.Is(err, ErrNotFound) || s.downloader == nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	data, contentType, err := s.downloader.Download(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("downloading receipt file: %w", err)
	}
	if err := s.storage.Save(id, data); err != nil {
		slog.Warn("Failed to cache document", "receipt_id", id, "error", err)
	}
	if receipt.ContentType != "" {
		contentType = receipt.ContentType
	}
	return data, contentType, nil
}

// GetTransaction retrieves a bank transaction by ID
func (s *Service) GetTransaction(ctx context.Context, id string) (*BankTransaction, error) {
	t, err := s.db.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return t, nil
}

// ListTransactions returns transactions matching filter
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*BankTransaction, error) {
	txs, err := s.db.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txs, nil
}

// ListMatches returns matches matching filter
func (s *Service) ListMatches(ctx context.Context, filter MatchFilter) ([]*Match, error) {
	matches, err := s.db.ListMatches(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	return matches, nil
}

// Confirm confirms a proposed match
func (s *Service) Confirm(ctx context.Context, receiptID, transactionID string) (*Match, error) {
	m, err := s.db.Confirm(ctx, receiptID, transactionID, s.timeSource.Now())
	if err != nil {
		return nil, fmt.Errorf("confirming match: %w", err)
	}
	slog.Info("Match confirmed", "receipt_id", receiptID, "transaction_id", transactionID)
	return m, nil
}

// Reject rejects a proposed match
func (s *Service) Reject(ctx context.Context, receiptID, transactionID string) (*Match, error) {
	m, err := s.db.Reject(ctx, receiptID, transactionID, s.timeSource.Now())
	if err != nil {
		return nil, fmt.Errorf("rejecting match: %w", err)
	}
	slog.Info("Match rejected", "receipt_id", receiptID, "transaction_id", transactionID)
	return m, nil
}

// ManualMatch confirms a reviewer-chosen pair
func (s *Service) ManualMatch(ctx context.Context, receiptID, transactionID string) (*Match, error) {
	m, err := s.db.ManualMatch(ctx, receiptID, transactionID, s.timeSource.Now())
	if err != nil {
		return nil, fmt.Errorf("matching manually: %w", err)
	}
	slog.Info("Manual match confirmed", "receipt_id", receiptID, "transaction_id", transactionID)
	return m, nil
}
