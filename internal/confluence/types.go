// Package confluence is the wiki REST client consumed by the scheduler and
// the discovery extractor.
package confluence

import (
	"context"
	"time"
)

// Page is a wiki document with its storage-format body.
type Page struct {
	ID           string
	Title        string
	Body         string // storage-format markup
	Version      int
	ParentID     string
	ModifiedDate time.Time
}

// ChildRef is a lightweight page reference returned by listing calls.
type ChildRef struct {
	ID      string
	Title   string
	Version int
}

// Attachment is a binary asset owned by a page.
type Attachment struct {
	ID          string
	FileName    string
	MediaType   string
	Size        int64
	DownloadURL string
}

// User is a wiki account.
type User struct {
	Username    string
	UserKey     string
	DisplayName string
}

// Client is the wiki API surface the exporter depends on. Errors carry HTTP
// status and Retry-After hints through internal/errors types.
type Client interface {
	GetPage(ctx context.Context, id string) (*Page, error)
	ListPages(ctx context.Context, spaceKey string, limit int) ([]ChildRef, error)
	GetChildren(ctx context.Context, id string) ([]ChildRef, error)
	GetPageByTitle(ctx context.Context, spaceKey, title string) (*Page, error)
	ListAttachments(ctx context.Context, id string) ([]Attachment, error)
	DownloadAttachment(ctx context.Context, downloadURL string) ([]byte, error)
	GetUser(ctx context.Context, usernameOrKey string) (*User, error)
	BaseURL() string
}
