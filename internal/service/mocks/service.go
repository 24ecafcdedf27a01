package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/service"
)

// LinkService is a mock implementation of service.LinkService
type LinkService struct {
	mock.Mock
}

// Resolve returns the record for a short code or alias
func (m *LinkService) Resolve(ctx context.Context, key string, withClick bool) (*domain.LinkRecord, error) {
	args := m.Called(ctx, key, withClick)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LinkRecord), args.Error(1)
}

// Shorten returns the caller's link for a URL
func (m *LinkService) Shorten(ctx context.Context, userID int64, req domain.ShortenRequest) (*domain.ShortenResponse, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ShortenResponse), args.Error(1)
}

// UpdateLink changes the caller's binding
func (m *LinkService) UpdateLink(ctx context.Context, userID int64, key string, req domain.UpdateLinkRequest) (*domain.UserLinkView, error) {
	args := m.Called(ctx, userID, key, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserLinkView), args.Error(1)
}

// UpdateTitle changes the default title of a record
func (m *LinkService) UpdateTitle(ctx context.Context, key, title string) (*domain.LinkRecord, error) {
	args := m.Called(ctx, key, title)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LinkRecord), args.Error(1)
}

// Delete removes the caller's binding
func (m *LinkService) Delete(ctx context.Context, userID int64, key string) error {
	args := m.Called(ctx, userID, key)
	return args.Error(0)
}

// ListUserLinks returns the caller's links
func (m *LinkService) ListUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.UserLinkView), args.Error(1)
}

// QRPath returns the QR asset location of a record
func (m *LinkService) QRPath(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

// SetQRPath records the QR asset location of a record
func (m *LinkService) SetQRPath(ctx context.Context, caller domain.Caller, key, path string) error {
	args := m.Called(ctx, caller, key, path)
	return args.Error(0)
}

// ListRecords returns a page of records
func (m *LinkService) ListRecords(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LinkRecord), args.Error(1)
}

// GetRecord returns a record with its binding count
func (m *LinkService) GetRecord(ctx context.Context, key string) (*domain.LinkDetail, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LinkDetail), args.Error(1)
}

// UpdateRecord changes a record's URL, alias or title
func (m *LinkService) UpdateRecord(ctx context.Context, key string, req domain.UpdateRecordRequest) (*domain.LinkRecord, error) {
	args := m.Called(ctx, key, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LinkRecord), args.Error(1)
}

// DeleteRecord removes a record for every user
func (m *LinkService) DeleteRecord(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// FetchTitle returns the page title of a URL
func (m *LinkService) FetchTitle(ctx context.Context, url string) (string, error) {
	args := m.Called(ctx, url)
	return args.String(0), args.Error(1)
}

// Health reports service health
func (m *LinkService) Health(ctx context.Context) domain.Health {
	args := m.Called(ctx)
	return args.Get(0).(domain.Health)
}

var _ service.LinkService = (*LinkService)(nil)
