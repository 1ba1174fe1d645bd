package drive

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

// DefaultPageAttempts bounds how often a single page fetch is tried
const DefaultPageAttempts = 5

// Walker lists receipt documents in a root/year/month folder tree
type Walker struct {
	lister      Lister
	backoff     gax.Backoff
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// WalkerOption configures a Walker
type WalkerOption func(*Walker)

// WithBackoff overrides the backoff between page retries
func WithBackoff(bo gax.Backoff) WalkerOption {
	return func(w *Walker) { w.backoff = bo }
}

// WithPageAttempts overrides DefaultPageAttempts
func WithPageAttempts(n int) WalkerOption {
	return func(w *Walker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithSleep replaces the backoff sleep (for testing)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) WalkerOption {
	return func(w *Walker) { w.sleep = sleep }
}

// NewWalker creates a Walker over lister
func NewWalker(lister Lister, opts ...WalkerOption) *Walker {
	w := &Walker{
		lister: lister,
		backoff: gax.Backoff{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
		maxAttempts: DefaultPageAttempts,
		sleep:       gax.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ReceiptFiles lazily yields every receipt document below rootFolderID.
// Iteration stops at the first error that survives the page retries.
func (w *Walker) ReceiptFiles(ctx context.Context, rootFolderID string) iter.Seq2[FileRef, error] {
	return w.walk(ctx, rootFolderID, func(int, time.Month) bool { return true })
}

// ReceiptFilesForMonth yields only the documents filed under year/month
func (w *Walker) ReceiptFilesForMonth(ctx context.Context, rootFolderID string, year int, month time.Month) iter.Seq2[FileRef, error] {
	return w.walk(ctx, rootFolderID, func(y int, m time.Month) bool {
		return y == year && (m == 0 || m == month)
	})
}

func (w *Walker) walk(ctx context.Context, rootID string, want func(int, time.Month) bool) iter.Seq2[FileRef, error] {
	return func(yield func(FileRef, error) bool) {
		for yearEntry, err := range w.entries(ctx, rootID) {
			if err != nil {
				yield(FileRef{}, fmt.Errorf("listing root folder %s: %w", rootID, err))
				return
			}
			year, ok := w.folderYear(yearEntry)
			if !ok || !want(year, 0) {
				continue
			}

			for monthEntry, err := range w.entries(ctx, yearEntry.ID) {
				if err != nil {
					yield(FileRef{}, fmt.Errorf("listing year folder %s: %w", yearEntry.Name, err))
					return
				}
				month, ok := w.folderMonth(monthEntry)
				if !ok || !want(year, month) {
					continue
				}

				path := fmt.Sprintf("%04d/%02d", year, int(month))
				for fileEntry, err := range w.entries(ctx, monthEntry.ID) {
					if err != nil {
						yield(FileRef{}, fmt.Errorf("listing month folder %s: %w", path, err))
						return
					}
					ref, ok := receiptRef(fileEntry, path, year, month)
					if !ok {
						continue
					}
					if !yield(ref, nil) {
						return
					}
				}
			}
		}
	}
}

func (w *Walker) folderYear(e Entry) (int, bool) {
	switch e.Kind {
	case KindFolder:
		return parseYear(e.Name)
	case KindFile:
		return 0, false
	default:
		slog.Warn("Skipping listing entry of unknown kind", "id", e.ID, "kind", e.Kind)
		return 0, false
	}
}

func (w *Walker) folderMonth(e Entry) (time.Month, bool) {
	switch e.Kind {
	case KindFolder:
		return parseMonth(e.Name)
	case KindFile:
		return 0, false
	default:
		slog.Warn("Skipping listing entry of unknown kind", "id", e.ID, "kind", e.Kind)
		return 0, false
	}
}

func receiptRef(e Entry, path string, year int, month time.Month) (FileRef, bool) {
	switch e.Kind {
	case KindFile:
		if !IsReceiptMimeType(e.MimeType) {
			return FileRef{}, false
		}
		return FileRef{
			ID:         e.ID,
			Name:       e.Name,
			MimeType:   e.MimeType,
			Size:       e.Size,
			CreatedAt:  e.CreatedAt,
			FolderPath: path,
			Year:       year,
			Month:      month,
		}, true
	case KindFolder:
		// nested folders below a month are not part of the layout
		return FileRef{}, false
	default:
		slog.Warn("Skipping listing entry of unknown kind", "id", e.ID, "kind", e.Kind)
		return FileRef{}, false
	}
}

// entries pages through one folder, skipping trashed entries
func (w *Walker) entries(ctx context.Context, folderID string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		token := ""
		for {
			page, err := w.fetch(ctx, folderID, token)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page.Entries {
				if e.Trashed {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			token = page.NextPageToken
		}
	}
}

// fetch retries the same page token on transient failures
func (w *Walker) fetch(ctx context.Context, folderID, token string) (*Page, error) {
	bo := w.backoff
	for attempt := 1; ; attempt++ {
		page, err := w.lister.List(ctx, folderID, token)
		if err == nil {
			return page, nil
		}
		if !failure.Retryable(err) || attempt >= w.maxAttempts {
			return nil, err
		}
		pause := bo.Pause()
		slog.Warn("Retrying folder page",
			"folder", folderID,
			"attempt", attempt,
			"pause", pause,
			"error", err,
		)
		if err := w.sleep(ctx, pause); err != nil {
			return nil, err
		}
	}
}
