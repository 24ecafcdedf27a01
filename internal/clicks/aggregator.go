// Package clicks aggregates link hits in the cache store and flushes them to
// the durable store in batches.
package clicks

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/metrics"
)

// Key layout shared by every process writing to the same cache store
const (
	CounterPrefix = "click_count:"
	DirtySetKey   = "click_dirty_links"
)

// CounterKey returns the counter key for a link
func CounterKey(linkID int64) string {
	return CounterPrefix + strconv.FormatInt(linkID, 10)
}

// Aggregator keeps per-link click deltas and the set of links that have them
type Aggregator struct {
	store   cache.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates an aggregator over store
func NewAggregator(store cache.Store, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

// RecordHit adds one click for linkID and marks it dirty
func (a *Aggregator) RecordHit(ctx context.Context, linkID int64) error {
	if _, err := a.store.IncrAndTrack(ctx, CounterKey(linkID), 1, DirtySetKey, strconv.FormatInt(linkID, 10)); err != nil {
		return fmt.Errorf("failed to record hit for link %d: %w", linkID, err)
	}
	a.metrics.ClicksRecorded.Inc()
	return nil
}

// Drain removes up to n links from the dirty set and takes their counters.
// It returns the positive deltas and the number of ids removed from the set.
// If taking a counter fails, everything drained so far is put back.
func (a *Aggregator) Drain(ctx context.Context, n int) ([]domain.ClickDelta, int, error) {
	members, err := a.store.PopMembers(ctx, DirtySetKey, n)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to drain dirty set: %w", err)
	}

	deltas := make([]domain.ClickDelta, 0, len(members))
	for i, member := range members {
		linkID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			a.logger.Warn("dropping malformed dirty set member", zap.String("member", member))
			a.metrics.DroppedMembers.Inc()
			continue
		}

		delta, err := a.store.TakeCounter(ctx, CounterKey(linkID))
		if err != nil {
			restoreErr := a.requeue(ctx, deltas, members[i:])
			return nil, len(members), errors.Join(fmt.Errorf("failed to take counter for link %d: %w", linkID, err), restoreErr)
		}
		if delta <= 0 {
			continue
		}
		deltas = append(deltas, domain.ClickDelta{LinkID: linkID, Delta: delta})
	}

	return deltas, len(members), nil
}

// Restore adds deltas back onto their counters and re-marks the links dirty.
// Deltas are added, never written over, so hits recorded since the drain survive.
func (a *Aggregator) Restore(ctx context.Context, deltas []domain.ClickDelta) error {
	var errs []error
	for _, d := range deltas {
		if d.Delta <= 0 {
			continue
		}
		if _, err := a.store.IncrAndTrack(ctx, CounterKey(d.LinkID), d.Delta, DirtySetKey, strconv.FormatInt(d.LinkID, 10)); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %d clicks for link %d: %w", d.Delta, d.LinkID, err))
		}
	}
	return errors.Join(errs...)
}

// requeue restores taken deltas and re-marks ids whose counters were never taken
func (a *Aggregator) requeue(ctx context.Context, taken []domain.ClickDelta, untaken []string) error {
	errs := []error{a.Restore(ctx, taken)}
	for _, member := range untaken {
		linkID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		if _, err := a.store.IncrAndTrack(ctx, CounterKey(linkID), 0, DirtySetKey, member); err != nil {
			errs = append(errs, fmt.Errorf("failed to re-mark link %d: %w", linkID, err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of links with unflushed clicks
func (a *Aggregator) Pending(ctx context.Context) (int64, error) {
	count, err := a.store.CountMembers(ctx, DirtySetKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty links: %w", err)
	}
	return count, nil
}
