package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	listFields     = "nextPageToken, files(id, name, mimeType, size, createdTime, trashed)"
	serviceName    = "drive"

	// DefaultMaxDownload caps the size of a downloaded receipt
	DefaultMaxDownload = 50 << 20
	defaultPageSize    = 100
)

// ErrTooLarge is returned when a document exceeds the download cap
var ErrTooLarge = errors.New("document exceeds maximum download size")

// Client lists and downloads files through the Google Drive v3 API
type Client struct {
	service     *gdrive.Service
	maxDownload int64
}

// NewClient creates a Drive client authenticated by tokens
func NewClient(ctx context.Context, tokens oauth2.TokenSource, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(tokens)}, opts...)
	service, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	return &Client{service: service, maxDownload: DefaultMaxDownload}, nil
}

// List returns one page of the non-trashed children of folderID
func (c *Client) List(ctx context.Context, folderID, pageToken string) (*Page, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
	call := c.service.Files.List().
		Q(q).
		PageSize(defaultPageSize).
		OrderBy("name").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Fields(listFields).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &Page{
		Entries:       make([]Entry, 0, len(res.Files)),
		NextPageToken: res.NextPageToken,
	}
	for _, f := range res.Files {
		kind := KindFile
		if f.MimeType == folderMimeType {
			kind = KindFolder
		}
		created, _ := time.Parse(time.RFC3339, f.CreatedTime)
		page.Entries = append(page.Entries, Entry{
			Kind:      kind,
			ID:        f.Id,
			Name:      f.Name,
			MimeType:  f.MimeType,
			Size:      f.Size,
			CreatedAt: created,
			Trashed:   f.Trashed,
		})
	}
	return page, nil
}

// Download returns the content and MIME type of fileID
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	resp, err := c.service.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, "", classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		return nil, "", classify(fmt.Errorf("reading file %s: %w", fileID, err))
	}
	if int64(len(data)) > c.maxDownload {
		return nil, "", fmt.Errorf("file %s: %w", fileID, ErrTooLarge)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = mimeType[:i]
	}
	return data, strings.TrimSpace(mimeType), nil
}

// classify maps Drive API errors onto the failure taxonomy
func classify(err error) error {
	if failure.IsAuth(err) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 403 && isRateLimitReason(apiErr) {
			return failure.NewService(serviceName, failure.RateLimited, err)
		}
		mapped := failure.FromHTTPStatus(serviceName, apiErr.Code, err)
		if mapped == err {
			return fmt.Errorf("drive request failed: %w", err)
		}
		return mapped
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.NewService(serviceName, failure.Timeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.NewService(serviceName, failure.Timeout, err)
	}
	return failure.NewService(serviceName, failure.Unavailable, err)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
