package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/repository"
)

// LinkRepository is a mock implementation of repository.LinkRepository
type LinkRepository struct {
	mock.Mock
}

func (m *LinkRepository) record(args mock.Arguments) (*domain.LinkRecord, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LinkRecord), args.Error(1)
}

// FindByCodeOrAlias returns the record whose short code or alias equals key
func (m *LinkRepository) FindByCodeOrAlias(ctx context.Context, key string) (*domain.LinkRecord, error) {
	return m.record(m.Called(ctx, key))
}

// FindByURL returns a record for originalURL
func (m *LinkRepository) FindByURL(ctx context.Context, originalURL string) (*domain.LinkRecord, error) {
	return m.record(m.Called(ctx, originalURL))
}

// FindUserLinkByURL returns the record for originalURL bound to userID
func (m *LinkRepository) FindUserLinkByURL(ctx context.Context, userID int64, originalURL string) (*domain.LinkRecord, error) {
	return m.record(m.Called(ctx, userID, originalURL))
}

// CodeTaken reports whether code is in use
func (m *LinkRepository) CodeTaken(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

// CreateLink inserts a record and its first binding
func (m *LinkRepository) CreateLink(ctx context.Context, record *domain.LinkRecord, binding *domain.UserLinkBinding) (*domain.LinkRecord, error) {
	return m.record(m.Called(ctx, record, binding))
}

// CreateBinding binds a user to an existing record
func (m *LinkRepository) CreateBinding(ctx context.Context, binding *domain.UserLinkBinding) (*domain.UserLinkBinding, error) {
	args := m.Called(ctx, binding)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserLinkBinding), args.Error(1)
}

// UpdateBinding changes the title and/or tags of a binding
func (m *LinkRepository) UpdateBinding(ctx context.Context, userID, linkID int64, title *string, tags *[]string) error {
	args := m.Called(ctx, userID, linkID, title, tags)
	return args.Error(0)
}

// UpdateLinkTitle changes the default title of a record
func (m *LinkRepository) UpdateLinkTitle(ctx context.Context, linkID int64, title string) error {
	args := m.Called(ctx, linkID, title)
	return args.Error(0)
}

// UpdateLink replaces the alias, URL and default title of a record
func (m *LinkRepository) UpdateLink(ctx context.Context, linkID int64, alias *string, originalURL, title string) (*domain.LinkRecord, error) {
	return m.record(m.Called(ctx, linkID, alias, originalURL, title))
}

// UpdateQRPath records the QR asset path of a record
func (m *LinkRepository) UpdateQRPath(ctx context.Context, linkID int64, path string) error {
	args := m.Called(ctx, linkID, path)
	return args.Error(0)
}

// IncrementClicks applies click deltas
func (m *LinkRepository) IncrementClicks(ctx context.Context, deltas []domain.ClickDelta) ([]*domain.LinkRecord, error) {
	args := m.Called(ctx, deltas)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LinkRecord), args.Error(1)
}

// CountBindings returns how many users are bound to a record
func (m *LinkRepository) CountBindings(ctx context.Context, linkID int64) (int, error) {
	args := m.Called(ctx, linkID)
	return args.Int(0), args.Error(1)
}

// DeleteBinding removes a binding and possibly the record
func (m *LinkRepository) DeleteBinding(ctx context.Context, userID, linkID int64) (bool, error) {
	args := m.Called(ctx, userID, linkID)
	return args.Bool(0), args.Error(1)
}

// DeleteLink removes a record
func (m *LinkRepository) DeleteLink(ctx context.Context, linkID int64) error {
	args := m.Called(ctx, linkID)
	return args.Error(0)
}

// ListLinks returns a page of records
func (m *LinkRepository) ListLinks(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LinkRecord), args.Error(1)
}

// ListUserLinks returns a user's bindings
func (m *LinkRepository) ListUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.UserLinkView), args.Error(1)
}

// BoundUserIDs returns the users bound to the given records
func (m *LinkRepository) BoundUserIDs(ctx context.Context, linkIDs ...int64) ([]int64, error) {
	args := m.Called(ctx, linkIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

// Ping checks the connection
func (m *LinkRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close closes the repository connection
func (m *LinkRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ repository.LinkRepository = (*LinkRepository)(nil)
