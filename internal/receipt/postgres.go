package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zombor/receipt-reconciler/internal/money"
)

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict
const uniqueViolation = "23505"

// schema creates the tables. The partial unique indexes hold the
// one-confirmed-match-per-side invariant even across concurrent writers.
const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	id                    TEXT PRIMARY KEY,
	vendor                TEXT NOT NULL DEFAULT '',
	invoice_date          DATE,
	payment_date          DATE,
	amount                BIGINT NOT NULL DEFAULT 0,
	invoice_number        TEXT NOT NULL DEFAULT '',
	folder_path           TEXT NOT NULL DEFAULT '',
	filename              TEXT NOT NULL DEFAULT '',
	content_type          TEXT NOT NULL DEFAULT '',
	extraction_status     TEXT NOT NULL,
	extraction_error      TEXT NOT NULL DEFAULT '',
	confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
	reconciliation_status TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bank_transactions (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	date        DATE NOT NULL,
	amount      BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	imported_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS matches (
	receipt_id     TEXT NOT NULL REFERENCES receipts (id) ON DELETE CASCADE,
	transaction_id TEXT NOT NULL REFERENCES bank_transactions (id),
	score          DOUBLE PRECISION NOT NULL,
	amount_score   DOUBLE PRECISION NOT NULL,
	date_score     DOUBLE PRECISION NOT NULL,
	vendor_score   DOUBLE PRECISION NOT NULL,
	ambiguous      BOOLEAN NOT NULL DEFAULT FALSE,
	manual         BOOLEAN NOT NULL DEFAULT FALSE,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	resolved_at    TIMESTAMPTZ,
	PRIMARY KEY (receipt_id, transaction_id)
);

CREATE INDEX IF NOT EXISTS matches_transaction_id ON matches (transaction_id);
CREATE UNIQUE INDEX IF NOT EXISTS matches_confirmed_receipt ON matches (receipt_id) WHERE status = 'CONFIRMED';
CREATE UNIQUE INDEX IF NOT EXISTS matches_confirmed_transaction ON matches (transaction_id) WHERE status = 'CONFIRMED';
`

var (
	psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	receiptColumns = []string{
		"id", "vendor", "invoice_date", "payment_date", "amount", "invoice_number",
		"folder_path", "filename", "content_type", "extraction_status", "extraction_error",
		"confidence", "reconciliation_status", "created_at", "updated_at",
	}
	transactionColumns = []string{
		"id", "account_id", "date", "amount", "description", "status", "imported_at",
	}
	matchColumns = []string{
		"receipt_id", "transaction_id", "score", "amount_score", "date_score", "vendor_score",
		"ambiguous", "manual", "status", "created_at", "updated_at", "resolved_at",
	}
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDB implements the DB interface on PostgreSQL
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPool connects to dsn and verifies the connection
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	slog.Info("Database connection established",
		"host", config.ConnConfig.Host,
		"database", config.ConnConfig.Database,
	)
	return pool, nil
}

// NewPostgresDB creates the schema if needed and returns a PostgresDB
func NewPostgresDB(ctx context.Context, pool *pgxpool.Pool) (*PostgresDB, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func exec(ctx context.Context, q querier, b squirrel.Sqlizer) (pgconn.CommandTag, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("building query: %w", err)
	}
	return q.Exec(ctx, sql, args...)
}

func receiptValues(r *Receipt) []interface{} {
	return []interface{}{
		r.ID, r.Vendor, nullableDate(r.InvoiceDate), r.PaymentDate, int64(r.Amount), r.InvoiceNumber,
		r.FolderPath, r.Filename, r.ContentType, string(r.ExtractionStatus), r.ExtractionError,
		r.Confidence, string(r.ReconciliationStatus), r.CreatedAt, r.UpdatedAt,
	}
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var (
		r           Receipt
		invoiceDate *time.Time
		amount      int64
		extraction  string
		recon       string
	)
	err := row.Scan(
		&r.ID, &r.Vendor, &invoiceDate, &r.PaymentDate, &amount, &r.InvoiceNumber,
		&r.FolderPath, &r.Filename, &r.ContentType, &extraction, &r.ExtractionError,
		&r.Confidence, &recon, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if invoiceDate != nil {
		r.InvoiceDate = *invoiceDate
	}
	r.Amount = money.Cents(amount)
	r.ExtractionStatus = ExtractionStatus(extraction)
	r.ReconciliationStatus = ReconciliationStatus(recon)
	return &r, nil
}

func scanTransaction(row pgx.Row) (*BankTransaction, error) {
	var (
		t      BankTransaction
		amount int64
		status string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Date, &amount, &t.Description, &status, &t.ImportedAt); err != nil {
		return nil, err
	}
	t.Amount = money.Cents(amount)
	t.Status = ReconciliationStatus(status)
	return &t, nil
}

func scanMatch(row pgx.Row) (*Match, error) {
	var (
		m      Match
		status string
	)
	err := row.Scan(
		&m.ReceiptID, &m.TransactionID, &m.Score, &m.AmountScore, &m.DateScore, &m.VendorScore,
		&m.Ambiguous, &m.Manual, &status, &m.CreatedAt, &m.UpdatedAt, &m.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MatchStatus(status)
	return &m, nil
}

func queryAll[T any](ctx context.Context, q querier, b squirrel.Sqlizer, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryOne[T any](ctx context.Context, q querier, b squirrel.Sqlizer, scan func(pgx.Row) (*T, error)) (*T, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	v, err := scan(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func receiptQuery(filter ReceiptFilter) squirrel.SelectBuilder {
	q := psql.Select(receiptColumns...).From("receipts").OrderBy("id")
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"extraction_status": string(filter.Status)})
	}
	if filter.FolderPath != "" {
		q = q.Where(squirrel.Eq{"folder_path": filter.FolderPath})
	}
	if filter.Unmatched {
		q = q.Where(squirrel.NotEq{"reconciliation_status": string(Matched)})
	}
	return q
}

func transactionQuery(filter TransactionFilter) squirrel.SelectBuilder {
	q := psql.Select(transactionColumns...).From("bank_transactions").OrderBy("date", "id")
	if filter.AccountID != "" {
		q = q.Where(squirrel.Eq{"account_id": filter.AccountID})
	}
	if !filter.From.IsZero() {
		q = q.Where(squirrel.GtOrEq{"date": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(squirrel.LtOrEq{"date": filter.To})
	}
	if filter.Unmatched {
		q = q.Where(squirrel.NotEq{"status": string(Matched)})
	}
	return q
}

func matchQuery(filter MatchFilter) squirrel.SelectBuilder {
	q := psql.Select(matchColumns...).From("matches").OrderBy("score DESC", "receipt_id", "transaction_id")
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.ReceiptID != "" {
		q = q.Where(squirrel.Eq{"receipt_id": filter.ReceiptID})
	}
	if filter.TransactionID != "" {
		q = q.Where(squirrel.Eq{"transaction_id": filter.TransactionID})
	}
	return q
}

// CreateReceipt inserts r unless it exists
func (p *PostgresDB) CreateReceipt(ctx context.Context, r *Receipt) (bool, error) {
	if r.ReconciliationStatus == "" {
		r.ReconciliationStatus = Unmatched
	}
	tag, err := exec(ctx, p.pool, psql.Insert("receipts").
		Columns(receiptColumns...).
		Values(receiptValues(r)...).
		Suffix("ON CONFLICT (id) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("inserting receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveReceipt upserts the receipt data, keeping the stored reconciliation status
func (p *PostgresDB) SaveReceipt(ctx context.Context, r *Receipt) error {
	if r.ReconciliationStatus == "" {
		r.ReconciliationStatus = Unmatched
	}
	_, err := exec(ctx, p.pool, psql.Insert("receipts").
		Columns(receiptColumns...).
		Values(receiptValues(r)...).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			invoice_date = EXCLUDED.invoice_date,
			payment_date = EXCLUDED.payment_date,
			amount = EXCLUDED.amount,
			invoice_number = EXCLUDED.invoice_number,
			folder_path = EXCLUDED.folder_path,
			filename = EXCLUDED.filename,
			content_type = EXCLUDED.content_type,
			extraction_status = EXCLUDED.extraction_status,
			extraction_error = EXCLUDED.extraction_error,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`))
	if err != nil {
		return fmt.Errorf("saving receipt: %w", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (p *PostgresDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	r, err := queryOne(ctx, p.pool, psql.Select(receiptColumns...).From("receipts").Where(squirrel.Eq{"id": id}), scanReceipt)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", id, err)
	}
	return r, nil
}

// ListReceipts returns receipts matching filter
func (p *PostgresDB) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error) {
	receipts, err := queryAll(ctx, p.pool, receiptQuery(filter), scanReceipt)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its matches, freeing a confirmed transaction
func (p *PostgresDB) DeleteReceipt(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := exec(ctx, tx, psql.Update("bank_transactions").
			Set("status", string(Unmatched)).
			Where(squirrel.Expr("id IN (SELECT transaction_id FROM matches WHERE receipt_id = ? AND status = ?)", id, string(MatchConfirmed))))
		if err != nil {
			return fmt.Errorf("releasing transaction: %w", err)
		}
		tag, err := exec(ctx, tx, psql.Delete("receipts").Where(squirrel.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("deleting receipt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// insertBatchSize keeps each insert under the 65535 bind parameter limit
const insertBatchSize = 1000

// transactionInserts builds one insert per batch of at most insertBatchSize rows
func transactionInserts(txs []*BankTransaction) []squirrel.InsertBuilder {
	var out []squirrel.InsertBuilder
	for batch := range slices.Chunk(txs, insertBatchSize) {
		b := psql.Insert("bank_transactions").Columns(transactionColumns...)
		for _, t := range batch {
			if t.Status == "" {
				t.Status = Unmatched
			}
			b = b.Values(t.ID, t.AccountID, t.Date, int64(t.Amount), t.Description, string(t.Status), t.ImportedAt)
		}
		out = append(out, b.Suffix("ON CONFLICT (id) DO NOTHING"))
	}
	return out
}

// InsertTransactions inserts transactions whose ID is new
func (p *PostgresDB) InsertTransactions(ctx context.Context, txs []*BankTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	var inserted int64
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, b := range transactionInserts(txs) {
			tag, err := exec(ctx, tx, b)
			if err != nil {
				return err
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inserting transactions: %w", err)
	}
	return int(inserted), nil
}

// GetTransaction retrieves a bank transaction by ID
func (p *PostgresDB) GetTransaction(ctx context.Context, id string) (*BankTransaction, error) {
	t, err := queryOne(ctx, p.pool, psql.Select(transactionColumns...).From("bank_transactions").Where(squirrel.Eq{"id": id}), scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}
	return t, nil
}

// ListTransactions returns transactions matching filter ordered by date
func (p *PostgresDB) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*BankTransaction, error) {
	txs, err := queryAll(ctx, p.pool, transactionQuery(filter), scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txs, nil
}

// UpsertProposed records proposals with the same rules as BoltDB.UpsertProposed
func (p *PostgresDB) UpsertProposed(ctx context.Context, proposals []*Match, now time.Time) (int, error) {
	created := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		created = 0
		for _, m := range proposals {
			existing, err := queryOne(ctx, tx, matchQuery(MatchFilter{ReceiptID: m.ReceiptID, TransactionID: m.TransactionID}).Suffix("FOR UPDATE"), scanMatch)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("loading match: %w", err)
			}

			taken, err := p.sideConfirmed(ctx, tx, m.ReceiptID, m.TransactionID)
			if err != nil {
				return err
			}

			switch {
			case existing == nil:
				if taken {
					continue
				}
				_, err = exec(ctx, tx, psql.Insert("matches").Columns(matchColumns...).Values(
					m.ReceiptID, m.TransactionID, m.Score, m.AmountScore, m.DateScore, m.VendorScore,
					m.Ambiguous, false, string(MatchProposed), now, now, nil,
				))
				created++
			case existing.Status == MatchProposed:
				_, err = exec(ctx, tx, p.updateScores(m, now))
			case existing.Status == MatchRejected && !taken:
				var r *Receipt
				r, err = queryOne(ctx, tx, psql.Select(receiptColumns...).From("receipts").Where(squirrel.Eq{"id": m.ReceiptID}), scanReceipt)
				if err != nil || !Reproposable(existing, r) {
					break
				}
				_, err = exec(ctx, tx, p.updateScores(m, now).
					Set("status", string(MatchProposed)).
					Set("resolved_at", nil))
				created++
			}
			if err != nil {
				return fmt.Errorf("upserting match %s/%s: %w", m.ReceiptID, m.TransactionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (p *PostgresDB) updateScores(m *Match, now time.Time) squirrel.UpdateBuilder {
	return psql.Update("matches").
		Set("score", m.Score).
		Set("amount_score", m.AmountScore).
		Set("date_score", m.DateScore).
		Set("vendor_score", m.VendorScore).
		Set("ambiguous", m.Ambiguous).
		Set("updated_at", now).
		Where(squirrel.Eq{"receipt_id": m.ReceiptID, "transaction_id": m.TransactionID})
}

// sideConfirmed reports whether the receipt or the transaction already has a confirmed match
func (p *PostgresDB) sideConfirmed(ctx context.Context, q querier, receiptID, transactionID string) (bool, error) {
	sql, args, err := psql.Select("COUNT(*)").From("matches").
		Where(squirrel.Eq{"status": string(MatchConfirmed)}).
		Where(squirrel.Or{squirrel.Eq{"receipt_id": receiptID}, squirrel.Eq{"transaction_id": transactionID}}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building query: %w", err)
	}
	var n int
	if err := q.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("checking confirmed matches: %w", err)
	}
	return n > 0, nil
}

// Confirm moves a PROPOSED match to CONFIRMED and rejects its siblings in one transaction
func (p *PostgresDB) Confirm(ctx context.Context, receiptID, transactionID string, now time.Time) (*Match, error) {
	var confirmed *Match
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		m, err := queryOne(ctx, tx, matchQuery(MatchFilter{ReceiptID: receiptID, TransactionID: transactionID}).Suffix("FOR UPDATE"), scanMatch)
		if err != nil {
			return fmt.Errorf("match %s/%s: %w", receiptID, transactionID, err)
		}
		switch m.Status {
		case MatchConfirmed:
			confirmed = m
			return nil
		case MatchRejected:
			return fmt.Errorf("confirming rejected match %s/%s: %w", receiptID, transactionID, ErrInvalidTransition)
		}
		confirmed, err = p.confirmPair(ctx, tx, m, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// ManualMatch confirms a reviewer-chosen pair, creating the match row if needed
func (p *PostgresDB) ManualMatch(ctx context.Context, receiptID, transactionID string, now time.Time) (*Match, error) {
	var confirmed *Match
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := queryOne(ctx, tx, psql.Select(receiptColumns...).From("receipts").Where(squirrel.Eq{"id": receiptID}), scanReceipt); err != nil {
			return fmt.Errorf("receipt %s: %w", receiptID, err)
		}
		if _, err := queryOne(ctx, tx, psql.Select(transactionColumns...).From("bank_transactions").Where(squirrel.Eq{"id": transactionID}), scanTransaction); err != nil {
			return fmt.Errorf("transaction %s: %w", transactionID, err)
		}

		m, err := queryOne(ctx, tx, matchQuery(MatchFilter{ReceiptID: receiptID, TransactionID: transactionID}).Suffix("FOR UPDATE"), scanMatch)
		switch {
		case errors.Is(err, ErrNotFound):
			m = &Match{ReceiptID: receiptID, TransactionID: transactionID, CreatedAt: now, Status: MatchProposed}
			_, err = exec(ctx, tx, psql.Insert("matches").Columns(matchColumns...).Values(
				receiptID, transactionID, 0.0, 0.0, 0.0, 0.0, false, true, string(MatchProposed), now, now, nil,
			))
			if err != nil {
				return fmt.Errorf("inserting manual match: %w", err)
			}
		case err != nil:
			return fmt.Errorf("loading match: %w", err)
		case m.Status == MatchConfirmed:
			confirmed = m
			return nil
		}
		m.Manual = true
		confirmed, err = p.confirmPair(ctx, tx, m, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (p *PostgresDB) confirmPair(ctx context.Context, tx pgx.Tx, m *Match, now time.Time) (*Match, error) {
	taken, err := p.sideConfirmed(ctx, tx, m.ReceiptID, m.TransactionID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("match %s/%s: %w", m.ReceiptID, m.TransactionID, ErrConflict)
	}

	_, err = exec(ctx, tx, psql.Update("matches").
		Set("status", string(MatchConfirmed)).
		Set("manual", m.Manual).
		Set("updated_at", now).
		Set("resolved_at", now).
		Where(squirrel.Eq{"receipt_id": m.ReceiptID, "transaction_id": m.TransactionID}))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("match %s/%s: %w", m.ReceiptID, m.TransactionID, ErrConflict)
		}
		return nil, fmt.Errorf("confirming match: %w", err)
	}

	_, err = exec(ctx, tx, psql.Update("matches").
		Set("status", string(MatchRejected)).
		Set("updated_at", now).
		Set("resolved_at", now).
		Where(squirrel.Eq{"status": string(MatchProposed)}).
		Where(squirrel.Or{squirrel.Eq{"receipt_id": m.ReceiptID}, squirrel.Eq{"transaction_id": m.TransactionID}}))
	if err != nil {
		return nil, fmt.Errorf("rejecting sibling matches: %w", err)
	}

	if _, err := exec(ctx, tx, psql.Update("receipts").Set("reconciliation_status", string(Matched)).Where(squirrel.Eq{"id": m.ReceiptID})); err != nil {
		return nil, fmt.Errorf("marking receipt matched: %w", err)
	}
	if _, err := exec(ctx, tx, psql.Update("bank_transactions").Set("status", string(Matched)).Where(squirrel.Eq{"id": m.TransactionID})); err != nil {
		return nil, fmt.Errorf("marking transaction matched: %w", err)
	}

	m.Status = MatchConfirmed
	m.UpdatedAt = now
	resolved := now
	m.ResolvedAt = &resolved
	return m, nil
}

// Reject moves a PROPOSED match to REJECTED
func (p *PostgresDB) Reject(ctx context.Context, receiptID, transactionID string, now time.Time) (*Match, error) {
	var rejected *Match
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		m, err := queryOne(ctx, tx, matchQuery(MatchFilter{ReceiptID: receiptID, TransactionID: transactionID}).Suffix("FOR UPDATE"), scanMatch)
		if err != nil {
			return fmt.Errorf("match %s/%s: %w", receiptID, transactionID, err)
		}
		switch m.Status {
		case MatchRejected:
			rejected = m
			return nil
		case MatchConfirmed:
			return fmt.Errorf("rejecting confirmed match %s/%s: %w", receiptID, transactionID, ErrInvalidTransition)
		}
		_, err = exec(ctx, tx, psql.Update("matches").
			Set("status", string(MatchRejected)).
			Set("updated_at", now).
			Set("resolved_at", now).
			Where(squirrel.Eq{"receipt_id": receiptID, "transaction_id": transactionID}))
		if err != nil {
			return fmt.Errorf("rejecting match: %w", err)
		}
		m.Status = MatchRejected
		m.UpdatedAt = now
		resolved := now
		m.ResolvedAt = &resolved
		rejected = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// ListMatches returns matches matching filter
func (p *PostgresDB) ListMatches(ctx context.Context, filter MatchFilter) ([]*Match, error) {
	matches, err := queryAll(ctx, p.pool, matchQuery(filter), scanMatch)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	return matches, nil
}

// Close closes the connection pool
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}
