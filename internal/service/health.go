package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/clicks"
	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/repository"
)

// Health status values
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Health pings both stores and reads the flush worker's signals
func (s *Service) Health(ctx context.Context) domain.Health {
	health := domain.Health{Status: StatusOK, StoreHealthy: true, CacheHealthy: true}

	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Warn("durable store ping failed", zap.Error(err))
		health.StoreHealthy = false
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("cache store ping failed", zap.Error(err))
		health.CacheHealthy = false
	}

	if s.flush != nil {
		if last := s.flush.LastSuccess(); !last.IsZero() {
			health.LastFlush = &last
		}
		pending, err := s.flush.Pending(ctx)
		if err != nil {
			s.logger.Warn("failed to read pending clicks", zap.Error(err))
		} else {
			health.PendingLinks = pending
		}
	}

	if !health.StoreHealthy || !health.CacheHealthy {
		health.Status = StatusDegraded
	}
	return health
}

// EvictFlushed returns the flush hook that drops cached snapshots of records
// whose clicks were just applied, along with their users' lists
func EvictFlushed(repo repository.LinkRepository, resolution *cache.Resolution) clicks.AppliedFunc {
	return func(ctx context.Context, records []*domain.LinkRecord) error {
		ids := make([]int64, 0, len(records))
		var keys []string
		for _, record := range records {
			ids = append(ids, record.ID)
			for _, key := range record.LookupKeys() {
				keys = append(keys, cache.LinkKey(key))
			}
		}

		users, usersErr := repo.BoundUserIDs(ctx, ids...)
		if usersErr != nil {
			usersErr = fmt.Errorf("failed to list bound users: %w", usersErr)
		}
		for _, id := range users {
			keys = append(keys, cache.UserLinksKey(id))
		}

		return errors.Join(usersErr, resolution.Evict(ctx, keys...))
	}
}
