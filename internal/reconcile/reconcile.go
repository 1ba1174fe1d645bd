// Package reconcile runs one reconciliation pass: import ledger rows,
// discover receipts for a month, extract them and propose matches.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-reconciler/internal/drive"
	"github.com/zombor/receipt-reconciler/internal/failure"
	"github.com/zombor/receipt-reconciler/internal/ledger"
	"github.com/zombor/receipt-reconciler/internal/matching"
	"github.com/zombor/receipt-reconciler/internal/receipt"
	"github.com/zombor/receipt-reconciler/internal/scanning"
)

const (
	DefaultStorageWorkers    = 4
	DefaultExtractionWorkers = 2
	DefaultCallTimeout       = 2 * time.Minute
)

// ErrInvalidRequest is returned for a request without a usable period
var ErrInvalidRequest = errors.New("invalid reconcile request")

// FileSource discovers receipt documents for one month
type FileSource interface {
	ReceiptFilesForMonth(ctx context.Context, rootFolderID string, year int, month time.Month) iter.Seq2[drive.FileRef, error]
}

// Importer stores ledger rows
type Importer interface {
	ImportTransactions(ctx context.Context, accountID string, rows []ledger.Row) (int, error)
}

// IDGenerator generates run IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type utcClock struct{}

func (utcClock) Now() time.Time {
	return time.Now().UTC()
}

// Request selects the period and optional ledger rows for a run
type Request struct {
	AccountID    string       `json:"account_id"`
	Year         int          `json:"year"`
	Month        time.Month   `json:"month"`
	RootFolderID string       `json:"root_folder_id,omitempty"`
	Rows         []ledger.Row `json:"rows,omitempty"`
}

// Summary reports what one run did
type Summary struct {
	RunID                  string               `json:"run_id"`
	TransactionsImported   int                  `json:"transactions_imported"`
	ReceiptsDiscovered     int                  `json:"receipts_discovered"`
	ReceiptsSkipped        int                  `json:"receipts_skipped"`
	ReceiptsProcessed      int                  `json:"receipts_processed"`
	Extracted              int                  `json:"extracted"`
	Failed                 int                  `json:"failed"`
	MatchesProposed        int                  `json:"matches_proposed"`
	MatchesAutoconfirmable int                  `json:"matches_autoconfirmable"`
	NeedsManualMatch       int                  `json:"needs_manual_match"`
	Ambiguous              int                  `json:"ambiguous"`
	Failures               map[failure.Kind]int `json:"failures,omitempty"`
	Cancelled              bool                 `json:"cancelled"`
}

// Config sizes the worker pools
type Config struct {
	RootFolderID      string
	StorageWorkers    int
	ExtractionWorkers int
	// CallTimeout bounds an in-flight download or extraction that outlives a cancelled run
	CallTimeout time.Duration
}

// Orchestrator wires the walker, extractor, ledger loader, matching engine and store
type Orchestrator struct {
	config     Config
	files      FileSource
	downloader drive.Downloader
	extractor  scanning.Extractor
	importer   Importer
	db         receipt.DB
	cache      receipt.Storage
	engine     *matching.Engine
	ids        IDGenerator
	clock      TimeSource
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithCache stores downloaded documents so reviewers can open them later
func WithCache(cache receipt.Storage) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithIDGenerator replaces the uuid run id generator
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = ids }
}

// WithClock replaces the wall clock
func WithClock(clock TimeSource) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an Orchestrator
func New(config Config, files FileSource, downloader drive.Downloader, extractor scanning.Extractor, importer Importer, db receipt.DB, engine *matching.Engine, opts ...Option) *Orchestrator {
	if config.StorageWorkers <= 0 {
		config.StorageWorkers = DefaultStorageWorkers
	}
	if config.ExtractionWorkers <= 0 {
		config.ExtractionWorkers = DefaultExtractionWorkers
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	o := &Orchestrator{
		config:     config,
		files:      files,
		downloader: downloader,
		extractor:  extractor,
		importer:   importer,
		db:         db,
		engine:     engine,
		ids:        uuidGenerator{},
		clock:      utcClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the state of one Run call
type run struct {
	*Orchestrator
	summary *Summary
	mu      sync.Mutex
	abort   context.CancelCauseFunc
}

func (r *run) count(fn func(s *Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.summary)
}

func (r *run) fail(id string, err error) {
	kind := failure.KindOf(err)
	r.count(func(s *Summary) { s.Failures[kind]++ })
	slog.Warn("Receipt processing failed",
		"run_id", r.summary.RunID,
		"receipt_id", id,
		"kind", kind,
		"category", failure.Category(kind),
		"error", err,
	)
	if failure.IsAuth(err) {
		r.abort(err)
	}
}

// Run executes one reconciliation pass. An AuthError aborts the run and is
// returned. A cancelled ctx stops scheduling; in-flight calls settle, matching
// is skipped and the summary is returned with Cancelled set.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.Year < 1 || req.Month < time.January || req.Month > time.December {
		return nil, fmt.Errorf("%w: year %d month %d", ErrInvalidRequest, req.Year, req.Month)
	}
	root := req.RootFolderID
	if root == "" {
		root = o.config.RootFolderID
	}
	if root == "" {
		return nil, fmt.Errorf("%w: no root folder", ErrInvalidRequest)
	}

	summary := &Summary{RunID: o.ids.Generate(), Failures: make(map[failure.Kind]int)}
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	r := &run{Orchestrator: o, summary: summary, abort: abort}

	slog.Info("Starting reconciliation run",
		"run_id", summary.RunID,
		"account_id", req.AccountID,
		"year", req.Year,
		"month", int(req.Month),
	)

	if len(req.Rows) > 0 {
		n, err := o.importer.ImportTransactions(runCtx, req.AccountID, req.Rows)
		if err != nil {
			return summary, fmt.Errorf("importing transactions: %w", err)
		}
		summary.TransactionsImported = n
	}

	pending, err := r.discover(runCtx, root, req.Year, req.Month)
	if err != nil {
		if failure.IsAuth(err) {
			summary.Failures[failure.KindAuth]++
		}
		return summary, err
	}

	r.process(runCtx, pending)

	if cause := context.Cause(runCtx); failure.IsAuth(cause) {
		return summary, fmt.Errorf("run %s aborted: %w", summary.RunID, cause)
	}
	if ctx.Err() != nil {
		summary.Cancelled = true
		slog.Warn("Reconciliation run cancelled before matching", "run_id", summary.RunID)
		return summary, nil
	}

	if err := r.match(ctx, req.AccountID, periodPath(req.Year, req.Month)); err != nil {
		return summary, err
	}

	slog.Info("Reconciliation run finished",
		"run_id", summary.RunID,
		"processed", summary.ReceiptsProcessed,
		"extracted", summary.Extracted,
		"failed", summary.Failed,
		"proposed", summary.MatchesProposed,
		"needs_manual", summary.NeedsManualMatch,
	)
	return summary, nil
}

// discover walks the month and registers new receipts. It returns the
// receipts that still need extraction.
func (r *run) discover(ctx context.Context, root string, year int, month time.Month) ([]*receipt.Receipt, error) {
	seen := make(map[string]bool)
	var pending []*receipt.Receipt

	for ref, err := range r.files.ReceiptFilesForMonth(ctx, root, year, month) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("listing receipts: %w", err)
		}
		if seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		r.summary.ReceiptsDiscovered++

		rec, err := r.register(ctx, ref)
		if err != nil {
			return nil, err
		}
		if rec.ExtractionStatus != receipt.ExtractionPending {
			r.summary.ReceiptsSkipped++
			continue
		}
		pending = append(pending, rec)
	}
	return pending, nil
}

func (r *run) register(ctx context.Context, ref drive.FileRef) (*receipt.Receipt, error) {
	now := r.clock.Now()
	rec := &receipt.Receipt{
		ID:                   ref.ID,
		FolderPath:           ref.FolderPath,
		Filename:             ref.Name,
		ContentType:          ref.MimeType,
		ExtractionStatus:     receipt.ExtractionPending,
		ReconciliationStatus: receipt.Unmatched,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	created, err := r.db.CreateReceipt(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("registering receipt %s: %w", ref.ID, err)
	}
	if created {
		return rec, nil
	}
	existing, err := r.db.GetReceipt(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("loading receipt %s: %w", ref.ID, err)
	}
	return existing, nil
}

// process downloads on the storage pool and extracts on the extraction pool,
// returning once every scheduled receipt has settled
func (r *run) process(ctx context.Context, pending []*receipt.Receipt) {
	var storage, extraction errgroup.Group
	storage.SetLimit(r.config.StorageWorkers)
	extraction.SetLimit(r.config.ExtractionWorkers)

	for i, rec := range pending {
		if ctx.Err() != nil {
			r.count(func(s *Summary) { s.Failures[failure.KindCancelled] += len(pending) - i })
			break
		}
		r.count(func(s *Summary) { s.ReceiptsProcessed++ })
		storage.Go(func() error {
			data, mimeType, err := r.download(ctx, rec)
			if err != nil {
				r.fail(rec.ID, err)
				r.keepPending(rec, err)
				return nil
			}
			if ctx.Err() != nil {
				r.count(func(s *Summary) { s.Failures[failure.KindCancelled]++ })
				return nil
			}
			extraction.Go(func() error {
				r.extract(ctx, rec, data, mimeType)
				return nil
			})
			return nil
		})
	}
	storage.Wait()
	extraction.Wait()
}

// detached keeps an in-flight call alive after cancellation, bounded by CallTimeout
func (r *run) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.config.CallTimeout)
}

func (r *run) download(ctx context.Context, rec *receipt.Receipt) ([]byte, string, error) {
	cctx, cancel := r.detached(ctx)
	defer cancel()

	data, mimeType, err := r.downloader.Download(cctx, rec.ID)
	if err != nil {
		return nil, "", fmt.Errorf("downloading %s: %w", rec.ID, err)
	}
	if rec.ContentType != "" {
		mimeType = rec.ContentType
	}
	if r.cache != nil {
		if err := r.cache.Save(rec.ID, data); err != nil {
			slog.Warn("Failed to cache document", "receipt_id", rec.ID, "error", err)
		}
	}
	return data, mimeType, nil
}

func (r *run) extract(ctx context.Context, rec *receipt.Receipt, data []byte, mimeType string) {
	cctx, cancel := r.detached(ctx)
	defer cancel()

	fields, err := r.extractor.Extract(cctx, data, mimeType)
	switch {
	case err == nil:
		rec.Vendor = fields.Vendor
		rec.Amount = fields.Amount.Abs()
		rec.InvoiceDate = fields.InvoiceDate
		rec.PaymentDate = fields.PaymentDate
		rec.InvoiceNumber = fields.InvoiceNumber
		rec.Confidence = fields.Confidence
		rec.ExtractionStatus = receipt.ExtractionExtracted
		rec.ExtractionError = ""
		rec.UpdatedAt = r.clock.Now()
		if err := r.db.SaveReceipt(cctx, rec); err != nil {
			r.fail(rec.ID, fmt.Errorf("saving receipt: %w", err))
			return
		}
		r.count(func(s *Summary) { s.Extracted++ })
	case failure.IsParse(err):
		rec.ExtractionStatus = receipt.ExtractionFailed
		rec.ExtractionError = err.Error()
		rec.UpdatedAt = r.clock.Now()
		r.fail(rec.ID, err)
		if err := r.db.SaveReceipt(cctx, rec); err != nil {
			slog.Error("Failed to save failed receipt", "receipt_id", rec.ID, "error", err)
			return
		}
		r.count(func(s *Summary) { s.Failed++ })
	default:
		r.fail(rec.ID, err)
		r.keepPending(rec, err)
	}
}

// keepPending records the last error on a receipt left for a later run.
// UpdatedAt is left alone because the receipt data did not change.
func (r *run) keepPending(rec *receipt.Receipt, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.CallTimeout)
	defer cancel()

	rec.ExtractionError = cause.Error()
	if err := r.db.SaveReceipt(ctx, rec); err != nil {
		slog.Error("Failed to record receipt error", "receipt_id", rec.ID, "error", err)
	}
}

// periodPath is the folder path the walker assigns to receipts of a month
func periodPath(year int, month time.Month) string {
	return fmt.Sprintf("%04d/%02d", year, int(month))
}

// match proposes matches for the run's month over a snapshot of open
// receipts and the account's open transactions. Rejected pairs stay out
// unless the receipt changed after the rejection.
func (r *run) match(ctx context.Context, accountID, folderPath string) error {
	receipts, err := r.db.ListReceipts(ctx, receipt.ReceiptFilter{
		Status:     receipt.ExtractionExtracted,
		FolderPath: folderPath,
		Unmatched:  true,
	})
	if err != nil {
		return fmt.Errorf("loading receipts for matching: %w", err)
	}
	txs, err := r.db.ListTransactions(ctx, receipt.TransactionFilter{AccountID: accountID, Unmatched: true})
	if err != nil {
		return fmt.Errorf("loading transactions for matching: %w", err)
	}
	rejected, err := r.rejectedPairs(ctx, receipts)
	if err != nil {
		return err
	}

	result := r.engine.ProposeMatchesExcluding(receipts, txs, rejected)
	proposed, err := r.db.UpsertProposed(ctx, result.Matches, r.clock.Now())
	if err != nil {
		return fmt.Errorf("storing proposed matches: %w", err)
	}

	r.summary.MatchesProposed = proposed
	r.summary.MatchesAutoconfirmable = len(result.Autoconfirmable)
	r.summary.NeedsManualMatch = len(result.NeedsManual)
	r.summary.Ambiguous = result.AmbiguousReceipts
	return nil
}

func (r *run) rejectedPairs(ctx context.Context, receipts []*receipt.Receipt) (map[matching.Pair]bool, error) {
	byID := make(map[string]*receipt.Receipt, len(receipts))
	for _, rec := range receipts {
		byID[rec.ID] = rec
	}

	matches, err := r.db.ListMatches(ctx, receipt.MatchFilter{Status: receipt.MatchRejected})
	if err != nil {
		return nil, fmt.Errorf("loading rejected matches: %w", err)
	}
	rejected := make(map[matching.Pair]bool)
	for _, m := range matches {
		rec, ok := byID[m.ReceiptID]
		if !ok || receipt.Reproposable(m, rec) {
			continue
		}
		rejected[matching.Pair{ReceiptID: m.ReceiptID, TransactionID: m.TransactionID}] = true
	}
	return rejected, nil
}
