package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucketName          = "receipts"
	transactionBucketName      = "transactions"
	matchBucketName            = "matches"
	matchByTransactionBucket   = "matches_by_transaction"
	confirmedReceiptBucket     = "confirmed_receipts"
	confirmedTransactionBucket = "confirmed_transactions"
	keySeparator               = "\x00"
)

var (
	// ErrNotFound is returned when a receipt, transaction or match does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a confirmation would break the one-to-one invariant
	ErrConflict = errors.New("conflicting confirmed match")
	// ErrInvalidTransition is returned for state changes the workflow does not allow
	ErrInvalidTransition = errors.New("invalid match transition")
)

// DB defines the persistence contract for receipts, transactions and matches.
// The match methods enforce the confirmation workflow atomically.
type DB interface {
	// CreateReceipt stores r unless a receipt with the same ID exists.
	// It reports whether r was created.
	CreateReceipt(ctx context.Context, r *Receipt) (bool, error)

	// SaveReceipt stores the receipt's data. ReconciliationStatus is owned by
	// the match workflow and is never overwritten.
	SaveReceipt(ctx context.Context, r *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns receipts matching filter
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error)

	// DeleteReceipt removes a receipt and its matches. Administrative only.
	DeleteReceipt(ctx context.Context, id string) error

	// InsertTransactions stores transactions whose ID is not yet known and
	// returns how many were new
	InsertTransactions(ctx context.Context, txs []*BankTransaction) (int, error)

	// GetTransaction retrieves a bank transaction by ID
	GetTransaction(ctx context.Context, id string) (*BankTransaction, error)

	// ListTransactions returns transactions matching filter ordered by date
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*BankTransaction, error)

	// UpsertProposed records proposals without downgrading resolved matches
	// and returns how many pairs became newly PROPOSED
	UpsertProposed(ctx context.Context, matches []*Match, now time.Time) (int, error)

	// Confirm moves a PROPOSED match to CONFIRMED and rejects its siblings
	Confirm(ctx context.Context, receiptID, transactionID string, now time.Time) (*Match, error)

	// Reject moves a PROPOSED match to REJECTED
	Reject(ctx context.Context, receiptID, transactionID string, now time.Time) (*Match, error)

	// ManualMatch confirms a pair chosen by a reviewer
	ManualMatch(ctx context.Context, receiptID, transactionID string, now time.Time) (*Match, error)

	// ListMatches returns matches matching filter
	ListMatches(ctx context.Context, filter MatchFilter) ([]*Match, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{
			receiptBucketName,
			transactionBucketName,
			matchBucketName,
			matchByTransactionBucket,
			confirmedReceiptBucket,
			confirmedTransactionBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func matchKey(receiptID, transactionID string) []byte {
	return []byte(receiptID + keySeparator + transactionID)
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return b.Put(key, data)
}

// CreateReceipt stores r unless it already exists
func (b *BoltDB) CreateReceipt(_ context.Context, r *Receipt) (bool, error) {
	created := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		if bucket.Get([]byte(r.ID)) != nil {
			return nil
		}
		if r.ReconciliationStatus == "" {
			r.ReconciliationStatus = Unmatched
		}
		created = true
		return putJSON(bucket, []byte(r.ID), r)
	})
	return created, err
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(_ context.Context, r *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		var existing Receipt
		found, err := getJSON(bucket, []byte(r.ID), &existing)
		if err != nil {
			return err
		}
		saved := *r
		switch {
		case found:
			saved.ReconciliationStatus = existing.ReconciliationStatus
		case saved.ReconciliationStatus == "":
			saved.ReconciliationStatus = Unmatched
		}
		if err := putJSON(bucket, []byte(r.ID), &saved); err != nil {
			return err
		}
		r.ReconciliationStatus = saved.ReconciliationStatus
		return nil
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(_ context.Context, id string) (*Receipt, error) {
	var r Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(receiptBucketName)), []byte(id), &r)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReceipts returns all receipts matching filter
func (b *BoltDB) ListReceipts(_ context.Context, filter ReceiptFilter) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var r Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if filter.matches(&r) {
				receipts = append(receipts, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt, its matches and any confirmation it holds
func (b *BoltDB) DeleteReceipt(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket([]byte(receiptBucketName))
		if receipts.Get([]byte(id)) == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}

		matches, err := b.matchesForReceipt(tx, id)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if m.Status == MatchConfirmed {
				if err := b.releaseTransaction(tx, m.TransactionID); err != nil {
					return err
				}
			}
			if err := tx.Bucket([]byte(matchBucketName)).Delete(matchKey(m.ReceiptID, m.TransactionID)); err != nil {
				return err
			}
			if err := tx.Bucket([]byte(matchByTransactionBucket)).Delete(matchKey(m.TransactionID, m.ReceiptID)); err != nil {
				return err
			}
		}
		if err := tx.Bucket([]byte(confirmedReceiptBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		return receipts.Delete([]byte(id))
	})
}

// releaseTransaction clears the confirmation held by a transaction
func (b *BoltDB) releaseTransaction(tx *bbolt.Tx, transactionID string) error {
	if err := tx.Bucket([]byte(confirmedTransactionBucket)).Delete([]byte(transactionID)); err != nil {
		return err
	}
	bucket := tx.Bucket([]byte(transactionBucketName))
	var t BankTransaction
	found, err := getJSON(bucket, []byte(transactionID), &t)
	if err != nil || !found {
		return err
	}
	t.Status = Unmatched
	return putJSON(bucket, []byte(t.ID), &t)
}

// InsertTransactions stores transactions that are not yet present
func (b *BoltDB) InsertTransactions(_ context.Context, txs []*BankTransaction) (int, error) {
	inserted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transactionBucketName))
		for _, t := range txs {
			if bucket.Get([]byte(t.ID)) != nil {
				continue
			}
			if t.Status == "" {
				t.Status = Unmatched
			}
			if err := putJSON(bucket, []byte(t.ID), t); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetTransaction retrieves a bank transaction by ID
func (b *BoltDB) GetTransaction(_ context.Context, id string) (*BankTransaction, error) {
	var t BankTransaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(transactionBucketName)), []byte(id), &t)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns transactions matching filter ordered by date
func (b *BoltDB) ListTransactions(_ context.Context, filter TransactionFilter) ([]*BankTransaction, error) {
	txs := make([]*BankTransaction, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transactionBucketName)).ForEach(func(k, v []byte) error {
			var t BankTransaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			if filter.matches(&t) {
				txs = append(txs, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTransactions(txs)
	return txs, nil
}

// UpsertProposed records proposals. CONFIRMED pairs are never touched; a
// REJECTED pair is proposed again only if its receipt changed after the rejection.
func (b *BoltDB) UpsertProposed(_ context.Context, proposals []*Match, now time.Time) (int, error) {
	created := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		matches := tx.Bucket([]byte(matchBucketName))
		byTx := tx.Bucket([]byte(matchByTransactionBucket))
		confirmedReceipts := tx.Bucket([]byte(confirmedReceiptBucket))
		confirmedTxs := tx.Bucket([]byte(confirmedTransactionBucket))

		for _, p := range proposals {
			key := matchKey(p.ReceiptID, p.TransactionID)
			var existing Match
			found, err := getJSON(matches, key, &existing)
			if err != nil {
				return err
			}

			if !found {
				if confirmedReceipts.Get([]byte(p.ReceiptID)) != nil || confirmedTxs.Get([]byte(p.TransactionID)) != nil {
					continue
				}
				m := *p
				m.Status = MatchProposed
				m.CreatedAt = now
				m.UpdatedAt = now
				m.ResolvedAt = nil
				if err := putJSON(matches, key, &m); err != nil {
					return err
				}
				if err := byTx.Put(matchKey(p.TransactionID, p.ReceiptID), []byte{}); err != nil {
					return err
				}
				created++
				continue
			}

			switch existing.Status {
			case MatchConfirmed:
				continue
			case MatchProposed:
				refreshScores(&existing, p, now)
			case MatchRejected:
				if confirmedReceipts.Get([]byte(p.ReceiptID)) != nil || confirmedTxs.Get([]byte(p.TransactionID)) != nil {
					continue
				}
				var r Receipt
				if _, err := getJSON(tx.Bucket([]byte(receiptBucketName)), []byte(p.ReceiptID), &r); err != nil {
					return err
				}
				if !Reproposable(&existing, &r) {
					continue
				}
				refreshScores(&existing, p, now)
				existing.Status = MatchProposed
				existing.ResolvedAt = nil
				created++
			}
			if err := putJSON(matches, key, &existing); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func refreshScores(m *Match, p *Match, now time.Time) {
	m.Score = p.Score
	m.AmountScore = p.AmountScore
	m.DateScore = p.DateScore
	m.VendorScore = p.VendorScore
	m.Ambiguous = p.Ambiguous
	m.UpdatedAt = now
}

// Reproposable reports whether a rejected match may be proposed again: only
// after the receipt data changed following the rejection
func Reproposable(m *Match, r *Receipt) bool {
	if m.ResolvedAt == nil {
		return true
	}
	return r.UpdatedAt.After(*m.ResolvedAt)
}

// Confirm moves a PROPOSED match to CONFIRMED, rejects every other PROPOSED
// match sharing its receipt or transaction and marks both sides MATCHED
func (b *BoltDB) Confirm(_ context.Context, receiptID, transactionID string, now time.Time) (*Match, error) {
	var confirmed *Match
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var m Match
		found, err := getJSON(tx.Bucket([]byte(matchBucketName)), matchKey(receiptID, transactionID), &m)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("match %s/%s: %w", receiptID, transactionID, ErrNotFound)
		}
		switch m.Status {
		case MatchConfirmed:
			confirmed = &m
			return nil
		case MatchRejected:
			return fmt.Errorf("confirming rejected match %s/%s: %w", receiptID, transactionID, ErrInvalidTransition)
		}

		confirmed, err = b.confirmPair(tx, &m, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// ManualMatch confirms a pair chosen by a reviewer, creating the match if the engine never proposed it
func (b *BoltDB) ManualMatch(_ context.Context, receiptID, transactionID string, now time.Time) (*Match, error) {
	var confirmed *Match
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(receiptBucketName)).Get([]byte(receiptID)) == nil {
			return fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
		}
		if tx.Bucket([]byte(transactionBucketName)).Get([]byte(transactionID)) == nil {
			return fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
		}

		var m Match
		found, err := getJSON(tx.Bucket([]byte(matchBucketName)), matchKey(receiptID, transactionID), &m)
		if err != nil {
			return err
		}
		if found && m.Status == MatchConfirmed {
			confirmed = &m
			return nil
		}
		if !found {
			m = Match{
				ReceiptID:     receiptID,
				TransactionID: transactionID,
				CreatedAt:     now,
			}
			if err := tx.Bucket([]byte(matchByTransactionBucket)).Put(matchKey(transactionID, receiptID), []byte{}); err != nil {
				return err
			}
		}
		m.Manual = true
		confirmed, err = b.confirmPair(tx, &m, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// confirmPair performs the confirm-and-reject sequence inside tx
func (b *BoltDB) confirmPair(tx *bbolt.Tx, m *Match, now time.Time) (*Match, error) {
	confirmedReceipts := tx.Bucket([]byte(confirmedReceiptBucket))
	confirmedTxs := tx.Bucket([]byte(confirmedTransactionBucket))
	if other := confirmedReceipts.Get([]byte(m.ReceiptID)); other != nil {
		return nil, fmt.Errorf("receipt %s already confirmed to transaction %s: %w", m.ReceiptID, other, ErrConflict)
	}
	if other := confirmedTxs.Get([]byte(m.TransactionID)); other != nil {
		return nil, fmt.Errorf("transaction %s already confirmed to receipt %s: %w", m.TransactionID, other, ErrConflict)
	}

	m.Status = MatchConfirmed
	m.UpdatedAt = now
	resolved := now
	m.ResolvedAt = &resolved
	if err := putJSON(tx.Bucket([]byte(matchBucketName)), matchKey(m.ReceiptID, m.TransactionID), m); err != nil {
		return nil, err
	}
	if err := confirmedReceipts.Put([]byte(m.ReceiptID), []byte(m.TransactionID)); err != nil {
		return nil, err
	}
	if err := confirmedTxs.Put([]byte(m.TransactionID), []byte(m.ReceiptID)); err != nil {
		return nil, err
	}

	siblings, err := b.matchesForReceipt(tx, m.ReceiptID)
	if err != nil {
		return nil, err
	}
	byTx, err := b.matchesForTransaction(tx, m.TransactionID)
	if err != nil {
		return nil, err
	}
	for _, s := range append(siblings, byTx...) {
		if s.Status != MatchProposed || (s.ReceiptID == m.ReceiptID && s.TransactionID == m.TransactionID) {
			continue
		}
		s.Status = MatchRejected
		s.UpdatedAt = now
		s.ResolvedAt = &resolved
		if err := putJSON(tx.Bucket([]byte(matchBucketName)), matchKey(s.ReceiptID, s.TransactionID), s); err != nil {
			return nil, err
		}
	}

	if err := setReceiptStatus(tx, m.ReceiptID, Matched); err != nil {
		return nil, err
	}
	if err := setTransactionStatus(tx, m.TransactionID, Matched); err != nil {
		return nil, err
	}
	return m, nil
}

func setReceiptStatus(tx *bbolt.Tx, id string, status ReconciliationStatus) error {
	bucket := tx.Bucket([]byte(receiptBucketName))
	var r Receipt
	found, err := getJSON(bucket, []byte(id), &r)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	r.ReconciliationStatus = status
	return putJSON(bucket, []byte(id), &r)
}

func setTransactionStatus(tx *bbolt.Tx, id string, status ReconciliationStatus) error {
	bucket := tx.Bucket([]byte(transactionBucketName))
	var t BankTransaction
	found, err := getJSON(bucket, []byte(id), &t)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	t.Status = status
	return putJSON(bucket, []byte(id), &t)
}

// Reject moves a PROPOSED match to REJECTED
func (b *BoltDB) Reject(_ context.Context, receiptID, transactionID string, now time.Time) (*Match, error) {
	var m Match
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(matchBucketName))
		found, err := getJSON(bucket, matchKey(receiptID, transactionID), &m)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("match %s/%s: %w", receiptID, transactionID, ErrNotFound)
		}
		switch m.Status {
		case MatchRejected:
			return nil
		case MatchConfirmed:
			return fmt.Errorf("rejecting confirmed match %s/%s: %w", receiptID, transactionID, ErrInvalidTransition)
		}
		m.Status = MatchRejected
		m.UpdatedAt = now
		resolved := now
		m.ResolvedAt = &resolved
		return putJSON(bucket, matchKey(receiptID, transactionID), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMatches returns matches matching filter
func (b *BoltDB) ListMatches(_ context.Context, filter MatchFilter) ([]*Match, error) {
	var result []*Match
	err := b.db.View(func(tx *bbolt.Tx) error {
		var (
			candidates []*Match
			err        error
		)
		switch {
		case filter.ReceiptID != "":
			candidates, err = b.matchesForReceipt(tx, filter.ReceiptID)
		case filter.TransactionID != "":
			candidates, err = b.matchesForTransaction(tx, filter.TransactionID)
		default:
			candidates, err = b.allMatches(tx)
		}
		if err != nil {
			return err
		}
		result = make([]*Match, 0, len(candidates))
		for _, m := range candidates {
			if filter.matches(m) {
				result = append(result, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMatches(result)
	return result, nil
}

func (b *BoltDB) allMatches(tx *bbolt.Tx) ([]*Match, error) {
	matches := make([]*Match, 0)
	err := tx.Bucket([]byte(matchBucketName)).ForEach(func(k, v []byte) error {
		var m Match
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshaling match: %w", err)
		}
		matches = append(matches, &m)
		return nil
	})
	return matches, err
}

func (b *BoltDB) matchesForReceipt(tx *bbolt.Tx, receiptID string) ([]*Match, error) {
	prefix := []byte(receiptID + keySeparator)
	matches := make([]*Match, 0)
	c := tx.Bucket([]byte(matchBucketName)).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var m Match
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, fmt.Errorf("unmarshaling match: %w", err)
		}
		matches = append(matches, &m)
	}
	return matches, nil
}

func (b *BoltDB) matchesForTransaction(tx *bbolt.Tx, transactionID string) ([]*Match, error) {
	prefix := []byte(transactionID + keySeparator)
	bucket := tx.Bucket([]byte(matchBucketName))
	matches := make([]*Match, 0)
	c := tx.Bucket([]byte(matchByTransactionBucket)).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		receiptID := string(k[len(prefix):])
		var m Match
		found, err := getJSON(bucket, matchKey(receiptID, transactionID), &m)
		if err != nil {
			return nil, err
		}
		if found {
			matches = append(matches, &m)
		}
	}
	return matches, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
