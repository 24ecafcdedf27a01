package service

import (
	"context"
	"time"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

// LinkService resolves, creates and maintains short links for users
type LinkService interface {
	// Resolve returns the record for a short code or alias, recording a click when withClick is set
	Resolve(ctx context.Context, key string, withClick bool) (*domain.LinkRecord, error)

	// Shorten returns the caller's link for a URL, binding an existing record or creating one
	Shorten(ctx context.Context, userID int64, req domain.ShortenRequest) (*domain.ShortenResponse, error)

	// UpdateLink changes the caller's title override and/or tags for a link
	UpdateLink(ctx context.Context, userID int64, key string, req domain.UpdateLinkRequest) (*domain.UserLinkView, error)

	// UpdateTitle changes the default title of a record for every user bound to it
	UpdateTitle(ctx context.Context, key, title string) (*domain.LinkRecord, error)

	// Delete removes the caller's binding and the record once nobody is bound to it
	Delete(ctx context.Context, userID int64, key string) error

	// ListUserLinks returns the caller's links, newest first
	ListUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, error)

	// QRPath returns where the QR asset of a record is stored
	QRPath(ctx context.Context, key string) (string, error)

	// SetQRPath records where the QR asset of a record is stored. The caller
	// must be bound to the record or be an administrator.
	SetQRPath(ctx context.Context, caller domain.Caller, key, path string) error

	// ListRecords returns a page of every record, newest first
	ListRecords(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error)

	// GetRecord returns a record with the number of users bound to it
	GetRecord(ctx context.Context, key string) (*domain.LinkDetail, error)

	// UpdateRecord changes a record's URL, alias or default title for every bound user
	UpdateRecord(ctx context.Context, key string, req domain.UpdateRecordRequest) (*domain.LinkRecord, error)

	// DeleteRecord removes a record and every binding to it
	DeleteRecord(ctx context.Context, key string) error

	// FetchTitle returns the page title of url
	FetchTitle(ctx context.Context, url string) (string, error)

	// Health reports store, cache and click flush state
	Health(ctx context.Context) domain.Health
}

// FlushMonitor exposes the click flush worker's health signals
type FlushMonitor interface {
	LastSuccess() time.Time
	Pending(ctx context.Context) (int64, error)
}
