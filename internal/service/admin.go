package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/domain"
)

// Record listing page sizes
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListRecords returns a page of every record straight from the durable store
func (s *Service) ListRecords(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	records, err := s.repo.ListLinks(ctx, limit, offset)
	if err != nil {
		return nil, storeError("list links", err)
	}
	return records, nil
}

// GetRecord returns a record and how many users share it
func (s *Service) GetRecord(ctx context.Context, rawKey string) (*domain.LinkDetail, error) {
	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	bindings, err := s.repo.CountBindings(ctx, record.ID)
	if err != nil {
		return nil, storeError("count bindings", err)
	}
	return &domain.LinkDetail{LinkRecord: *record, Bindings: bindings}, nil
}

// recordChange is a validated UpdateRecordRequest applied over the current record
type recordChange struct {
	alias       *string
	originalURL string
	title       string
}

func (s *Service) mergeRecordChange(record *domain.LinkRecord, req domain.UpdateRecordRequest) (*recordChange, error) {
	change := &recordChange{alias: record.Alias, originalURL: record.OriginalURL, title: record.Title}

	if req.OriginalURL != nil {
		normalized, err := NormalizeURL(*req.OriginalURL)
		if err != nil {
			return nil, err
		}
		change.originalURL = normalized
	}

	if req.Alias != nil {
		alias := strings.TrimSpace(*req.Alias)
		switch {
		case alias == "":
			if record.ShortCode == nil {
				return nil, fmt.Errorf("%w: a link without a short code must keep its alias", domain.ErrInvalidAlias)
			}
			change.alias = nil
		case !aliasPattern.MatchString(alias):
			return nil, fmt.Errorf("%w: must be 3-30 letters, digits, '_' or '-'", domain.ErrInvalidAlias)
		default:
			change.alias = &alias
		}
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, domain.ErrInvalidTitle
		}
		change.title = title
	}
	return change, nil
}

func sameAlias(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// checkRecordConflicts rejects an alias held by another record and, for coded
// records, a URL another coded record already shortens
func (s *Service) checkRecordConflicts(ctx context.Context, record *domain.LinkRecord, change *recordChange) error {
	if change.alias != nil && !sameAlias(change.alias, record.Alias) {
		other, err := s.repo.FindByCodeOrAlias(ctx, *change.alias)
		switch {
		case err == nil && other.ID != record.ID:
			return domain.ErrConflict
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return storeError("find link", err)
		}
	}

	if change.originalURL != record.OriginalURL && record.ShortCode != nil {
		other, err := s.repo.FindByURL(ctx, change.originalURL)
		switch {
		case err == nil && other.ID != record.ID && other.ShortCode != nil:
			return fmt.Errorf("%w: another short code already points at %s", domain.ErrConflict, change.originalURL)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return storeError("find link by URL", err)
		}
	}
	return nil
}

// UpdateRecord changes a record's URL, alias or default title. Keys under the
// old and the new alias are fenced, along with every bound user's list.
func (s *Service) UpdateRecord(ctx context.Context, rawKey string, req domain.UpdateRecordRequest) (*domain.LinkRecord, error) {
	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	change, err := s.mergeRecordChange(record, req)
	if err != nil {
		return nil, err
	}
	if err := s.checkRecordConflicts(ctx, record, change); err != nil {
		return nil, err
	}
	if change.originalURL != record.OriginalURL {
		if err := s.checkSafety(ctx, change.originalURL); err != nil {
			return nil, err
		}
	}

	unlock := s.locks.lock(record.ID)
	updated, err := s.repo.UpdateLink(ctx, record.ID, change.alias, change.originalURL, change.title)
	unlock()
	if err != nil {
		if _, ok := domain.IsUniqueViolation(err); ok {
			return nil, fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
		return nil, storeError("update link", err)
	}

	keys, err := s.recordKeysWithUsers(context.WithoutCancel(ctx), record)
	if err != nil {
		return nil, err
	}
	keys = append(keys, cache.RecordKeys(updated)...)
	if err := s.invalidate(ctx, keys...); err != nil {
		return nil, err
	}

	s.logger.Info("updated link record",
		zap.Int64("link_id", updated.ID),
		zap.String("old_key", record.Key()),
		zap.String("key", updated.Key()),
		zap.String("url", updated.OriginalURL))
	return updated, nil
}

// DeleteRecord removes a record regardless of how many users are bound to it
func (s *Service) DeleteRecord(ctx context.Context, rawKey string) error {
	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return err
	}

	// Held across both calls so no binding lands between listing and deleting
	unlock := s.locks.lock(record.ID)
	keys, err := s.recordKeysWithUsers(ctx, record)
	if err == nil {
		if deleteErr := s.repo.DeleteLink(ctx, record.ID); deleteErr != nil {
			err = storeError("delete link", deleteErr)
		}
	}
	unlock()
	if err != nil {
		return err
	}

	if err := s.invalidate(ctx, keys...); err != nil {
		return err
	}

	s.logger.Info("deleted link record", zap.Int64("link_id", record.ID), zap.String("key", record.Key()))
	return nil
}
