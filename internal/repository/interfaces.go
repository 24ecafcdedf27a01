package repository

import (
	"context"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

// LinkRepository defines the durable store for links and user bindings.
// Lookups return domain.ErrNotFound when nothing matches; inserts that hit a
// unique constraint return *domain.UniqueViolationError.
type LinkRepository interface {
	// FindByCodeOrAlias returns the record whose short code or alias equals key
	FindByCodeOrAlias(ctx context.Context, key string) (*domain.LinkRecord, error)

	// FindByURL returns a record for originalURL regardless of owner, preferring coded records
	FindByURL(ctx context.Context, originalURL string) (*domain.LinkRecord, error)

	// FindUserLinkByURL returns the record for originalURL that userID is bound to
	FindUserLinkByURL(ctx context.Context, userID int64, originalURL string) (*domain.LinkRecord, error)

	// CodeTaken reports whether code is used as a short code or alias
	CodeTaken(ctx context.Context, code string) (bool, error)

	// CreateLink inserts a record and its first binding in one transaction
	CreateLink(ctx context.Context, record *domain.LinkRecord, binding *domain.UserLinkBinding) (*domain.LinkRecord, error)

	// CreateBinding binds a user to an existing record, locking the record row
	CreateBinding(ctx context.Context, binding *domain.UserLinkBinding) (*domain.UserLinkBinding, error)

	// UpdateBinding changes the title and/or tags of a binding
	UpdateBinding(ctx context.Context, userID, linkID int64, title *string, tags *[]string) error

	// UpdateLinkTitle changes the default title of a record
	UpdateLinkTitle(ctx context.Context, linkID int64, title string) error

	// UpdateLink replaces the alias, URL and default title of a record and
	// returns it. A nil alias clears it.
	UpdateLink(ctx context.Context, linkID int64, alias *string, originalURL, title string) (*domain.LinkRecord, error)

	// UpdateQRPath records where the QR asset of a record is stored
	UpdateQRPath(ctx context.Context, linkID int64, path string) error

	// IncrementClicks adds every delta in one transaction and returns the updated records
	IncrementClicks(ctx context.Context, deltas []domain.ClickDelta) ([]*domain.LinkRecord, error)

	// CountBindings returns how many users are bound to a record
	CountBindings(ctx context.Context, linkID int64) (int, error)

	// DeleteBinding removes a binding and, if it was the last one, the record.
	// It reports whether the record was deleted.
	DeleteBinding(ctx context.Context, userID, linkID int64) (bool, error)

	// DeleteLink removes a record and all its bindings
	DeleteLink(ctx context.Context, linkID int64) error

	// ListLinks returns records newest first, skipping offset and returning at most limit
	ListLinks(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error)

	// ListUserLinks returns a user's bindings joined with their records, newest first
	ListUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, error)

	// BoundUserIDs returns the distinct users bound to any of the given records
	BoundUserIDs(ctx context.Context, linkIDs ...int64) ([]int64, error)

	// Ping checks the connection
	Ping(ctx context.Context) error

	// Close closes the repository connection
	Close() error
}
