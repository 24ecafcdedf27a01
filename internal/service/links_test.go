package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/cache/memory"
	"github.com/joshdurbin/linkbottle/internal/clicks"
	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/metrics"
	"github.com/joshdurbin/linkbottle/internal/repository"
	"github.com/joshdurbin/linkbottle/internal/repository/sqlite"
	"github.com/joshdurbin/linkbottle/internal/safety"
	"github.com/joshdurbin/linkbottle/internal/shortener"
)

const testBaseURL = "http://lb.test/"

type staticTitles struct {
	title string
	calls atomic.Int32
}

func (f *staticTitles) Fetch(ctx context.Context, url string) string {
	f.calls.Add(1)
	return f.title
}

type stubSafety struct {
	verdict safety.Verdict
	err     error
}

func (s *stubSafety) Check(ctx context.Context, url string) (safety.Verdict, error) {
	return s.verdict, s.err
}

// flakyApplier fails the first failures flushes and then delegates
type flakyApplier struct {
	clicks.Applier
	failures atomic.Int32
}

func (f *flakyApplier) IncrementClicks(ctx context.Context, deltas []domain.ClickDelta) ([]*domain.LinkRecord, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return f.Applier.IncrementClicks(ctx, deltas)
}

type testEnv struct {
	svc        *Service
	repo       *sqlite.Repository
	store      *memory.Store
	resolution *cache.Resolution
	worker     *clicks.Worker
	titles     *staticTitles
	safety     *stubSafety
	applier    *flakyApplier
}

func setupService(t *testing.T, wrap func(repository.LinkRepository) repository.LinkRepository) *testEnv {
	t.Helper()

	repo, err := sqlite.New(filepath.Join(t.TempDir(), "links.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := memory.New(time.Minute)
	t.Cleanup(func() { store.Close() })

	var linkRepo repository.LinkRepository = repo
	if wrap != nil {
		linkRepo = wrap(repo)
	}

	m := metrics.NewNop()
	resolution := cache.NewResolution(store, cache.DefaultOptions(), m)
	aggregator := clicks.NewAggregator(store, zap.NewNop(), m)
	applier := &flakyApplier{Applier: linkRepo}
	worker := clicks.NewWorker(aggregator, applier, EvictFlushed(linkRepo, resolution), clicks.DefaultConfig(), zap.NewNop(), m)

	allocator, err := shortener.New(shortener.DefaultConfig(), linkRepo)
	require.NoError(t, err)

	env := &testEnv{
		repo:       repo,
		store:      store,
		resolution: resolution,
		worker:     worker,
		titles:     &staticTitles{title: "Fetched Title"},
		safety:     &stubSafety{verdict: safety.Verdict{Safe: true}},
		applier:    applier,
	}
	env.svc = New(Dependencies{
		Repository: linkRepo,
		Cache:      resolution,
		CacheStore: store,
		Clicks:     aggregator,
		Flush:      worker,
		Allocator:  allocator,
		Titles:     env.titles,
		Safety:     env.safety,
		Logger:     zap.NewNop(),
	}, Config{BaseURL: testBaseURL})
	return env
}

func strPtr(s string) *string {
	return &s
}

func TestService_ShortenAndResolve(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "HTTPS://Example.COM/path?q=1"})
	require.NoError(t, err)
	assert.True(t, resp.Created)
	require.NotNil(t, resp.ShortCode)
	assert.Len(t, *resp.ShortCode, 6)
	assert.Equal(t, "https://example.com/path?q=1", resp.OriginalURL)
	assert.Equal(t, testBaseURL+*resp.ShortCode, resp.ShortURL)
	assert.Equal(t, "Fetched Title", resp.Title)

	// Creation primes the link cache
	entry, ok, err := env.resolution.GetLink(ctx, *resp.ShortCode)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resp.ID, entry.Record.ID)

	for _, key := range []string{*resp.ShortCode, resp.ShortURL, "https://lb.test/" + *resp.ShortCode} {
		record, err := env.svc.Resolve(ctx, key, false)
		require.NoError(t, err, key)
		assert.Equal(t, "https://example.com/path?q=1", record.OriginalURL)
	}

	_, err = env.svc.Resolve(ctx, "nope00", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.Resolve(ctx, testBaseURL, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ShortenIdempotent(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	first, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	second, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ShortURL, second.ShortURL)
	assert.False(t, second.Created)
	assert.Equal(t, int32(1), env.titles.calls.Load(), "existing links are not re-fetched")

	count, err := env.repo.CountBindings(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_ShortenSharesRecordAcrossUsers(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	first, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	second, err := env.svc.Shorten(ctx, 2, domain.ShortenRequest{URL: "https://example.com", Title: strPtr("My copy")})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.Created)
	assert.Equal(t, "My copy", second.Title)

	views, err := env.svc.ListUserLinks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "My copy", views[0].Title)
	assert.Equal(t, "Fetched Title", views[0].DefaultTitle)
	assert.Equal(t, first.ShortURL, views[0].ShortURL)
}

func TestService_ShortenConcurrentSameURL(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	const users = 8
	ids := make([]int64, users)
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := env.svc.Shorten(ctx, int64(i+1), domain.ShortenRequest{URL: "https://race.example.com"})
			if assert.NoError(t, err) {
				ids[i] = resp.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "every user ends up on one record")
	}
	count, err := env.repo.CountBindings(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, users, count)
}

func TestService_ShortenAlias(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	created, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://a.example.com", Alias: strPtr("promo")})
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Nil(t, created.ShortCode)
	assert.Equal(t, testBaseURL+"promo", created.ShortURL)

	t.Run("same URL binds the existing record", func(t *testing.T) {
		resp, err := env.svc.Shorten(ctx, 2, domain.ShortenRequest{URL: "https://a.example.com", Alias: strPtr("promo")})
		require.NoError(t, err)
		assert.Equal(t, created.ID, resp.ID)
		assert.False(t, resp.Created)
	})

	t.Run("different URL conflicts without a second record", func(t *testing.T) {
		_, err := env.svc.Shorten(ctx, 3, domain.ShortenRequest{URL: "https://b.example.com", Alias: strPtr("promo")})
		assert.ErrorIs(t, err, domain.ErrConflict)

		_, err = env.repo.FindByURL(ctx, "https://b.example.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("alias must match the pattern", func(t *testing.T) {
		for _, alias := range []string{"ab", "has space", "way-too-long-alias-for-this-service-ok", "bad/slash"} {
			_, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://c.example.com", Alias: strPtr(alias)})
			assert.ErrorIs(t, err, domain.ErrInvalidAlias, alias)
		}
	})
}

func TestService_ShortenValidation(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	for _, raw := range []string{"", "not-a-url", "ftp://example.com/file", "mailto:someone@example.com", "https://"} {
		_, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: raw})
		assert.ErrorIs(t, err, domain.ErrInvalidURL, raw)
	}
}

func TestService_ShortenSafety(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	env.safety.verdict = safety.Verdict{Safe: false, Category: "MALWARE"}
	_, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://bad.example.com"})
	require.ErrorIs(t, err, domain.ErrUnsafeURL)
	var unsafe *domain.UnsafeURLError
	require.ErrorAs(t, err, &unsafe)
	assert.Equal(t, "MALWARE", unsafe.Category)

	env.safety.verdict = safety.Verdict{Safe: true}
	env.safety.err = errors.New("quota exceeded")
	_, err = env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://bad.example.com"})
	assert.ErrorIs(t, err, domain.ErrUnavailable, "classifier failures fail closed")

	_, err = env.repo.FindByURL(ctx, "https://bad.example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ClickConservation(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	const (
		workers   = 20
		perWorker = 50
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := env.svc.Resolve(ctx, *resp.ShortCode, true)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, env.worker.FlushAll(ctx))

	record, err := env.repo.FindByCodeOrAlias(ctx, *resp.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), record.Clicks)

	// The flush evicted the cached snapshot, so reads see the durable count
	resolved, err := env.svc.Resolve(ctx, *resp.ShortCode, false)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), resolved.Clicks)
}

func TestService_ClicksSurviveFailedFlush(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := env.svc.Resolve(ctx, *resp.ShortCode, true)
		require.NoError(t, err)
	}

	env.applier.failures.Store(1)
	_, err = env.worker.FlushOnce(ctx)
	require.Error(t, err)

	for i := 0; i < 3; i++ {
		_, err := env.svc.Resolve(ctx, *resp.ShortCode, true)
		require.NoError(t, err)
	}

	require.NoError(t, env.worker.FlushAll(ctx))

	record, err := env.repo.FindByCodeOrAlias(ctx, *resp.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(10), record.Clicks)

	health := env.svc.Health(ctx)
	assert.Equal(t, StatusOK, health.Status)
	assert.Zero(t, health.PendingLinks)
	require.NotNil(t, health.LastFlush)
}

func TestService_DeleteReferenceCounted(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	_, err = env.svc.Shorten(ctx, 2, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	// Warm the link and list caches
	_, err = env.svc.Resolve(ctx, *resp.ShortCode, false)
	require.NoError(t, err)
	_, err = env.svc.ListUserLinks(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(ctx, 1, resp.ShortURL))

	views, err := env.svc.ListUserLinks(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = env.svc.Resolve(ctx, *resp.ShortCode, false)
	require.NoError(t, err, "still bound to user 2")

	assert.ErrorIs(t, env.svc.Delete(ctx, 1, *resp.ShortCode), domain.ErrNotFound)

	require.NoError(t, env.svc.Delete(ctx, 2, *resp.ShortCode))

	_, err = env.svc.Resolve(ctx, *resp.ShortCode, false)
	assert.ErrorIs(t, err, domain.ErrNotFound, "cached entry must not outlive the record")

	assert.ErrorIs(t, env.svc.Delete(ctx, 2, *resp.ShortCode), domain.ErrNotFound)
}

func TestService_UpdateLink(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = env.svc.ListUserLinks(ctx, 1)
	require.NoError(t, err)

	tags := []string{"go", " go ", "", "links"}
	view, err := env.svc.UpdateLink(ctx, 1, *resp.ShortCode, domain.UpdateLinkRequest{
		Title: strPtr("  Renamed "),
		Tags:  &tags,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", view.Title)
	assert.Equal(t, []string{"go", "links"}, view.Tags)
	assert.Equal(t, resp.ShortURL, view.ShortURL)

	views, err := env.svc.ListUserLinks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Renamed", views[0].Title, "list cache was invalidated")

	_, err = env.svc.UpdateLink(ctx, 2, *resp.ShortCode, domain.UpdateLinkRequest{Title: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_UpdateTitle(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	_, err = env.svc.Shorten(ctx, 2, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = env.svc.ListUserLinks(ctx, 2)
	require.NoError(t, err)

	record, err := env.svc.UpdateTitle(ctx, *resp.ShortCode, "Canonical")
	require.NoError(t, err)
	assert.Equal(t, "Canonical", record.Title)

	resolved, err := env.svc.Resolve(ctx, *resp.ShortCode, false)
	require.NoError(t, err)
	assert.Equal(t, "Canonical", resolved.Title)

	views, err := env.svc.ListUserLinks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Canonical", views[0].DefaultTitle)

	_, err = env.svc.UpdateTitle(ctx, *resp.ShortCode, "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidTitle)
	_, err = env.svc.UpdateTitle(ctx, "nope00", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// gatedRepo holds the next FindByCodeOrAlias after it has read from the store
type gatedRepo struct {
	repository.LinkRepository
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) FindByCodeOrAlias(ctx context.Context, key string) (*domain.LinkRecord, error) {
	record, err := g.LinkRepository.FindByCodeOrAlias(ctx, key)
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return record, err
}

func newGate() *gatedRepo {
	return &gatedRepo{entered: make(chan struct{}), release: make(chan struct{})}
}

func TestService_UpdateTitleRacingReader(t *testing.T) {
	gate := newGate()
	env := setupService(t, func(r repository.LinkRepository) repository.LinkRepository {
		gate.LinkRepository = r
		return gate
	})
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, env.resolution.Evict(ctx, cache.LinkKey(*resp.ShortCode)))

	// The reader loads the old title, then stalls before populating the cache
	gate.armed.Store(true)
	done := make(chan *domain.LinkRecord)
	go func() {
		record, err := env.svc.Resolve(ctx, *resp.ShortCode, false)
		assert.NoError(t, err)
		done <- record
	}()
	<-gate.entered

	_, err = env.svc.UpdateTitle(ctx, *resp.ShortCode, "Fresh")
	require.NoError(t, err)

	close(gate.release)
	stale := <-done
	assert.Equal(t, "Fetched Title", stale.Title)

	resolved, err := env.svc.Resolve(ctx, *resp.ShortCode, false)
	require.NoError(t, err)
	assert.Equal(t, "Fresh", resolved.Title, "the stalled reader must not repopulate stale data")
}

func TestService_FlushKeepsUpdateFence(t *testing.T) {
	gate := newGate()
	env := setupService(t, func(r repository.LinkRepository) repository.LinkRepository {
		gate.LinkRepository = r
		return gate
	})
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, env.resolution.Evict(ctx, cache.LinkKey(*resp.ShortCode)))

	gate.armed.Store(true)
	done := make(chan *domain.LinkRecord)
	go func() {
		record, err := env.svc.Resolve(ctx, *resp.ShortCode, false)
		assert.NoError(t, err)
		done <- record
	}()
	<-gate.entered

	_, err = env.svc.UpdateTitle(ctx, *resp.ShortCode, "Fresh")
	require.NoError(t, err)

	// A flush landing inside the fence window evicts the record's keys
	require.NoError(t, env.svc.clicks.RecordHit(ctx, resp.ID))
	result, err := env.worker.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	close(gate.release)
	<-done

	resolved, err := env.svc.Resolve(ctx, *resp.ShortCode, false)
	require.NoError(t, err)
	assert.Equal(t, "Fresh", resolved.Title)
	assert.Equal(t, int64(1), resolved.Clicks)
}

func TestService_ResolveCancelledLeavesNoEntry(t *testing.T) {
	gate := newGate()
	env := setupService(t, func(r repository.LinkRepository) repository.LinkRepository {
		gate.LinkRepository = r
		return gate
	})

	resp, err := env.svc.Shorten(context.Background(), 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, env.resolution.Evict(context.Background(), cache.LinkKey(*resp.ShortCode)))

	ctx, cancel := context.WithCancel(context.Background())
	gate.armed.Store(true)
	errs := make(chan error)
	go func() {
		_, err := env.svc.Resolve(ctx, *resp.ShortCode, true)
		errs <- err
	}()
	<-gate.entered
	cancel()
	close(gate.release)

	assert.ErrorIs(t, <-errs, context.Canceled)

	_, ok, err := env.resolution.GetLink(context.Background(), *resp.ShortCode)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := env.worker.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending, "no click recorded for an abandoned lookup")
}

func TestService_QRPath(t *testing.T) {
	env := setupService(t, nil)
	ctx := context.Background()

	resp, err := env.svc.Shorten(ctx, 1, domain.ShortenRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = env.svc.QRPath(ctx, *resp.ShortCode)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = env.svc.SetQRPath(ctx, domain.Caller{UserID: 2}, *resp.ShortCode, "https://evil.example.com/qr.png")
	assert.ErrorIs(t, err, domain.ErrForbidden, "user 2 is not bound to the record")

	require.NoError(t, env.svc.SetQRPath(ctx, domain.Caller{UserID: 1}, *resp.ShortCode, "https://assets.example.com/qr/a.png"))

	path, err := env.svc.QRPath(ctx, resp.ShortURL)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com/qr/a.png", path)

	cached, ok, err := env.resolution.GetQRPath(ctx, *resp.ShortCode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, cached)

	views, err := env.svc.ListUserLinks(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, views[0].QRPath)
	assert.Equal(t, path, *views[0].QRPath)

	require.NoError(t, env.svc.SetQRPath(ctx, domain.Caller{UserID: 99, Admin: true}, *resp.ShortCode, "https://assets.example.com/qr/b.png"))
	path, err = env.svc.QRPath(ctx, *resp.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com/qr/b.png", path)
}

func TestService_FetchTitle(t *testing.T) {
	env := setupService(t, nil)

	title, err := env.svc.FetchTitle(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "Fetched Title", title)

	_, err = env.svc.FetchTitle(context.Background(), "example.com")
	assert.ErrorIs(t, err, domain.ErrInvalidURL)
}

func TestService_NormalizeKey(t *testing.T) {
	svc := New(Dependencies{Logger: zap.NewNop()}, Config{BaseURL: "https://lb.test"})

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "abc123", want: "abc123"},
		{raw: "  abc123 ", want: "abc123"},
		{raw: "https://lb.test/abc123", want: "abc123"},
		{raw: "http://lb.test/abc123", want: "abc123"},
		{raw: "lb.test/abc123", want: "abc123"},
		{raw: "/abc123/", want: "abc123"},
		{raw: "https://lb.test/", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.NormalizeKey(tt.raw))
		})
	}
	assert.Equal(t, "https://lb.test/abc123", svc.ShortURL("abc123"))
}
