package drive

import (
	"context"
	"strings"
	"time"
)

// EntryKind tags a listing entry as a file or a folder
type EntryKind int

const (
	KindFile EntryKind = iota + 1
	KindFolder
)

// Entry is one element of a folder listing
type Entry struct {
	Kind      EntryKind
	ID        string
	Name      string
	MimeType  string
	Size      int64
	CreatedAt time.Time
	Trashed   bool
}

// Page is one page of a folder listing
type Page struct {
	Entries       []Entry
	NextPageToken string
}

// Lister lists the direct children of a folder, one page at a time.
// Passing the same page token twice must return the same page.
type Lister interface {
	List(ctx context.Context, folderID, pageToken string) (*Page, error)
}

// Downloader fetches the bytes of a file
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, string, error)
}

// FileRef identifies a receipt document discovered in the folder tree
type FileRef struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	MimeType   string     `json:"mime_type"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"created_at"`
	FolderPath string     `json:"folder_path"`
	Year       int        `json:"year"`
	Month      time.Month `json:"month"`
}

// IsReceiptMimeType reports whether a document of this type can hold a receipt
func IsReceiptMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(mimeType, "image/") || mimeType == "application/pdf"
}
