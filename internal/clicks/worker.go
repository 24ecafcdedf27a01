package clicks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/metrics"
)

// Applier commits click deltas to the durable store
type Applier interface {
	// IncrementClicks applies every delta in one transaction and returns the updated records
	IncrementClicks(ctx context.Context, deltas []domain.ClickDelta) ([]*domain.LinkRecord, error)
}

// AppliedFunc is called with the records updated by a successful flush
type AppliedFunc func(ctx context.Context, records []*domain.LinkRecord) error

// Config holds flush worker settings
type Config struct {
	Interval  time.Duration `yaml:"flush_interval" env:"CLICK_FLUSH_INTERVAL" env-default:"5s"`
	BatchSize int           `yaml:"batch_size" env:"CLICK_BATCH_SIZE" env-default:"500"`
}

// DefaultConfig returns a 5s interval with batches of 500
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		BatchSize: 500,
	}
}

const (
	resultSuccess = "success"
	resultEmpty   = "empty"
	resultFailure = "failure"

	restoreTimeout = 10 * time.Second
	finalFlushMax  = 100
)

// Worker periodically moves aggregated clicks into the durable store
type Worker struct {
	aggregator *Aggregator
	store      Applier
	onApplied  AppliedFunc
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	lastSuccess atomic.Int64
	flushMu     sync.Mutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewWorker creates a flush worker. onApplied may be nil.
func NewWorker(aggregator *Aggregator, store Applier, onApplied AppliedFunc, config Config, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Worker{
		aggregator: aggregator,
		store:      store,
		onApplied:  onApplied,
		config:     config,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Start launches the flush loop. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})

	go w.loop(ctx, w.stopChan, w.done)

	w.logger.Info("click flush worker started",
		zap.Duration("interval", w.config.Interval),
		zap.Int("batch_size", w.config.BatchSize))
	return nil
}

// Stop ends the loop and flushes everything still pending
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.FlushAll(ctx)
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors are logged and counted inside FlushOnce
			_, _ = w.FlushOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// FlushOnce runs a single drain-and-apply cycle. A failed cycle puts every
// drained delta back so a later cycle applies it.
func (w *Worker) FlushOnce(ctx context.Context) (domain.FlushResult, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	started := w.now()
	defer w.refreshPending(ctx)

	deltas, drained, err := w.aggregator.Drain(ctx, w.config.BatchSize)
	if err != nil {
		w.metrics.ObserveFlush(resultFailure, started, 0)
		w.logger.Error("click flush drain failed", zap.Error(err))
		return domain.FlushResult{Drained: drained}, err
	}

	result := domain.FlushResult{Drained: drained}
	if len(deltas) == 0 {
		w.markSuccess(started)
		w.metrics.ObserveFlush(resultEmpty, started, 0)
		return result, nil
	}

	var clicks int64
	for _, d := range deltas {
		clicks += d.Delta
	}

	records, err := w.store.IncrementClicks(ctx, deltas)
	if err != nil {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		restoreErr := w.aggregator.Restore(restoreCtx, deltas)
		cancel()

		w.metrics.ObserveFlush(resultFailure, started, 0)
		w.logger.Error("click flush failed, deltas requeued",
			zap.Int("links", len(deltas)),
			zap.Int64("clicks", clicks),
			zap.Error(err),
			zap.NamedError("restore_error", restoreErr))
		return result, errors.Join(fmt.Errorf("failed to apply click deltas: %w", err), restoreErr)
	}

	result.Applied = len(deltas)
	result.Clicks = clicks
	w.markSuccess(started)
	w.metrics.ObserveFlush(resultSuccess, started, clicks)
	w.logger.Debug("click flush applied", zap.Int("links", result.Applied), zap.Int64("clicks", clicks))

	if w.onApplied != nil && len(records) > 0 {
		if err := w.onApplied(ctx, records); err != nil {
			w.logger.Warn("failed to evict flushed links from cache", zap.Error(err))
		}
	}

	return result, nil
}

// FlushAll repeats FlushOnce until the dirty set is empty or a cycle fails
func (w *Worker) FlushAll(ctx context.Context) error {
	for i := 0; i < finalFlushMax; i++ {
		result, err := w.FlushOnce(ctx)
		if err != nil {
			return err
		}
		if result.Drained == 0 {
			return nil
		}
	}
	return fmt.Errorf("dirty set still not empty after %d flush cycles", finalFlushMax)
}

func (w *Worker) markSuccess(at time.Time) {
	w.lastSuccess.Store(at.UnixNano())
	w.metrics.LastFlushSuccess.Set(float64(at.Unix()))
}

func (w *Worker) refreshPending(ctx context.Context) {
	pending, err := w.aggregator.Pending(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.Warn("failed to read dirty set size", zap.Error(err))
		return
	}
	w.metrics.DirtyLinks.Set(float64(pending))
}

// LastSuccess returns the start time of the last successful cycle, or the zero
// time if none has succeeded yet
func (w *Worker) LastSuccess() time.Time {
	nanos := w.lastSuccess.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Pending returns the number of links waiting to be flushed
func (w *Worker) Pending(ctx context.Context) (int64, error) {
	return w.aggregator.Pending(ctx)
}
