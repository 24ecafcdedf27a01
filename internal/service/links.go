package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/clicks"
	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/fetcher"
	"github.com/joshdurbin/linkbottle/internal/repository"
	"github.com/joshdurbin/linkbottle/internal/safety"
	"github.com/joshdurbin/linkbottle/internal/shortener"
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,30}$`)

// Config holds link service settings
type Config struct {
	// BaseURL prefixes every short URL, e.g. "http://localhost:8080/"
	BaseURL string

	// MaxShortenAttempts caps how often a shorten restarts after losing an insert race
	MaxShortenAttempts int
}

// Dependencies are the collaborators of the link service
type Dependencies struct {
	Repository repository.LinkRepository
	Cache      *cache.Resolution
	CacheStore cache.Store
	Clicks     *clicks.Aggregator
	Flush      FlushMonitor
	Allocator  *shortener.Allocator
	Titles     fetcher.TitleFetcher
	Safety     safety.Classifier
	Logger     *zap.Logger
}

// Service implements LinkService over a durable store and a cache store
type Service struct {
	repo      repository.LinkRepository
	cache     *cache.Resolution
	store     cache.Store
	clicks    *clicks.Aggregator
	flush     FlushMonitor
	allocator *shortener.Allocator
	titles    fetcher.TitleFetcher
	safety    safety.Classifier
	logger    *zap.Logger
	config    Config
	hostPart  string
	locks     stripedLock
}

// New creates a link service
func New(deps Dependencies, config Config) *Service {
	if config.MaxShortenAttempts <= 0 {
		config.MaxShortenAttempts = 5
	}
	if !strings.HasSuffix(config.BaseURL, "/") {
		config.BaseURL += "/"
	}
	return &Service{
		repo:      deps.Repository,
		cache:     deps.Cache,
		store:     deps.CacheStore,
		clicks:    deps.Clicks,
		flush:     deps.Flush,
		allocator: deps.Allocator,
		titles:    deps.Titles,
		safety:    deps.Safety,
		logger:    deps.Logger,
		config:    config,
		hostPart:  stripScheme(config.BaseURL),
	}
}

func stripScheme(s string) string {
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimPrefix(s, "https://")
}

// NormalizeKey turns a bare key or a full short URL into a lookup key
func (s *Service) NormalizeKey(raw string) string {
	key := stripScheme(strings.TrimSpace(raw))
	if s.hostPart != "" {
		key = strings.TrimPrefix(key, s.hostPart)
	}
	return strings.Trim(key, "/")
}

// ShortURL returns the public short URL for key
func (s *Service) ShortURL(key string) string {
	return s.config.BaseURL + key
}

// NormalizeURL validates an absolute http(s) URL and lowercases its scheme and host
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: only HTTP and HTTPS are supported", domain.ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", domain.ErrInvalidURL)
	}
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// storeError marks unexpected store failures as retryable
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("failed to %s: %w: %w", op, domain.ErrUnavailable, err)
}

// invalidate fences keys after a commit. It runs even if the caller's context
// was cancelled once the mutation is durable.
func (s *Service) invalidate(ctx context.Context, keys ...string) error {
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), keys...); err != nil {
		s.logger.Error("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return nil
}

// recordKeysWithUsers returns the record's keys plus the list key of every bound user
func (s *Service) recordKeysWithUsers(ctx context.Context, record *domain.LinkRecord) ([]string, error) {
	keys := cache.RecordKeys(record)
	users, err := s.repo.BoundUserIDs(ctx, record.ID)
	if err != nil {
		return nil, storeError("list bound users", err)
	}
	for _, id := range users {
		keys = append(keys, cache.UserLinksKey(id))
	}
	return keys, nil
}

// findRecord reads a record from the durable store
func (s *Service) findRecord(ctx context.Context, rawKey string) (*domain.LinkRecord, error) {
	key := s.NormalizeKey(rawKey)
	if key == "" {
		return nil, domain.ErrNotFound
	}
	record, err := s.repo.FindByCodeOrAlias(ctx, key)
	if err != nil {
		return nil, storeError("find link", err)
	}
	return record, nil
}

// Resolve returns the record for key. A hit never touches the durable store;
// clicks are recorded in the cache store and flushed later.
func (s *Service) Resolve(ctx context.Context, rawKey string, withClick bool) (*domain.LinkRecord, error) {
	key := s.NormalizeKey(rawKey)
	if key == "" {
		return nil, domain.ErrNotFound
	}

	entry, ok, err := s.cache.GetLink(ctx, key)
	if err != nil {
		s.logger.Warn("link cache read failed, falling back to store", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if ok {
		if withClick {
			if err := s.recordHit(ctx, entry.Record.ID); err != nil {
				return nil, err
			}
			if _, err := s.cache.BumpClicks(ctx, key, entry); err != nil {
				s.logger.Debug("cached click bump failed", zap.String("key", key), zap.Error(err))
			}
		}
		return entry.Record, nil
	}

	record, err := s.repo.FindByCodeOrAlias(ctx, key)
	if err != nil {
		return nil, storeError("find link", err)
	}

	// A lookup that finished after its caller gave up must not seed the cache
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.cache.PopulateLink(ctx, key, record); err != nil {
		s.logger.Warn("failed to populate link cache", zap.String("key", key), zap.Error(err))
	}

	if withClick {
		if err := s.recordHit(ctx, record.ID); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (s *Service) recordHit(ctx context.Context, linkID int64) error {
	if err := s.clicks.RecordHit(ctx, linkID); err != nil {
		s.logger.Error("failed to record click", zap.Int64("link_id", linkID), zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return nil
}

// shortenAttempt carries work that survives a restarted shorten
type shortenAttempt struct {
	userID      int64
	originalURL string
	alias       *string
	title       *string

	vetted       bool
	fetchedTitle string
}

func (a *shortenAttempt) bindingTitle(record *domain.LinkRecord) string {
	if a.title != nil && strings.TrimSpace(*a.title) != "" {
		return strings.TrimSpace(*a.title)
	}
	return record.Title
}

// Shorten returns the caller's link for req.URL. Existing records are shared
// across users; a new record is created only for a URL (or alias) nobody has.
func (s *Service) Shorten(ctx context.Context, userID int64, req domain.ShortenRequest) (*domain.ShortenResponse, error) {
	originalURL, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, err
	}

	attempt := &shortenAttempt{userID: userID, originalURL: originalURL, title: req.Title}
	if req.Alias != nil {
		alias := strings.TrimSpace(*req.Alias)
		if alias != "" {
			if !aliasPattern.MatchString(alias) {
				return nil, fmt.Errorf("%w: must be 3-30 letters, digits, '_' or '-'", domain.ErrInvalidAlias)
			}
			attempt.alias = &alias
		}
	}

	for i := 0; i < s.config.MaxShortenAttempts; i++ {
		resp, retry, err := s.shortenOnce(ctx, attempt)
		if !retry {
			return resp, err
		}
		s.logger.Debug("shorten lost a race, retrying",
			zap.Int64("user_id", userID), zap.Int("attempt", i+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: shorten did not settle after %d attempts", domain.ErrUnavailable, s.config.MaxShortenAttempts)
}

// shortenOnce runs the dedup state machine once. retry is set when a
// concurrent writer changed the picture and the whole decision must be redone.
func (s *Service) shortenOnce(ctx context.Context, a *shortenAttempt) (*domain.ShortenResponse, bool, error) {
	owned, err := s.repo.FindUserLinkByURL(ctx, a.userID, a.originalURL)
	if err == nil {
		return s.response(owned, a.bindingTitle(owned), false), false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, storeError("find user link", err)
	}

	var existing *domain.LinkRecord
	if a.alias != nil {
		existing, err = s.repo.FindByCodeOrAlias(ctx, *a.alias)
		if err == nil && existing.OriginalURL != a.originalURL {
			return nil, false, domain.ErrConflict
		}
	} else {
		existing, err = s.repo.FindByURL(ctx, a.originalURL)
	}
	if err == nil {
		return s.bind(ctx, a, existing)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, storeError("find link", err)
	}

	return s.create(ctx, a)
}

// bind attaches the caller to an existing record
func (s *Service) bind(ctx context.Context, a *shortenAttempt, record *domain.LinkRecord) (*domain.ShortenResponse, bool, error) {
	title := a.bindingTitle(record)

	unlock := s.locks.lock(record.ID)
	_, err := s.repo.CreateBinding(ctx, &domain.UserLinkBinding{
		UserID: a.userID,
		LinkID: record.ID,
		Title:  title,
	})
	unlock()

	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// deleted with its last binding after we found it
			return nil, true, err
		}
		if field, ok := domain.IsUniqueViolation(err); ok && field == domain.FieldBinding {
			return nil, true, err
		}
		return nil, false, storeError("bind link", err)
	}

	if err := s.invalidate(ctx, cache.UserLinksKey(a.userID)); err != nil {
		return nil, false, err
	}

	s.logger.Info("bound user to existing link",
		zap.Int64("user_id", a.userID), zap.Int64("link_id", record.ID), zap.String("key", record.Key()))
	return s.response(record, title, false), false, nil
}

// vet runs the safety gate and title fetch once per shorten call
func (s *Service) vet(ctx context.Context, a *shortenAttempt) error {
	if a.vetted {
		return nil
	}
	if err := s.checkSafety(ctx, a.originalURL); err != nil {
		return err
	}
	a.fetchedTitle = s.titles.Fetch(ctx, a.originalURL)
	a.vetted = true
	return nil
}

// checkSafety rejects URLs the classifier flags and fails closed when it is unreachable
func (s *Service) checkSafety(ctx context.Context, originalURL string) error {
	verdict, err := s.safety.Check(ctx, originalURL)
	if err != nil {
		return fmt.Errorf("%w: safety check failed: %w", domain.ErrUnavailable, err)
	}
	if !verdict.Safe {
		return &domain.UnsafeURLError{Category: verdict.Category}
	}
	return nil
}

// create persists a new record with the caller's binding
func (s *Service) create(ctx context.Context, a *shortenAttempt) (*domain.ShortenResponse, bool, error) {
	if err := s.vet(ctx, a); err != nil {
		return nil, false, err
	}

	record := &domain.LinkRecord{
		Alias:       a.alias,
		OriginalURL: a.originalURL,
		Title:       a.fetchedTitle,
	}
	if a.alias == nil {
		code, err := s.allocator.Allocate(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrCodeSpaceExhausted) {
				return nil, false, err
			}
			return nil, false, storeError("allocate short code", err)
		}
		record.ShortCode = &code
	}

	title := a.bindingTitle(record)
	created, err := s.repo.CreateLink(ctx, record, &domain.UserLinkBinding{
		UserID: a.userID,
		Title:  title,
	})
	if err != nil {
		if _, ok := domain.IsUniqueViolation(err); ok {
			// short_code: fresh code next time; alias, original_url or
			// binding: someone else won, the next attempt finds their record
			return nil, true, err
		}
		return nil, false, storeError("create link", err)
	}

	if err := s.invalidate(ctx, cache.UserLinksKey(a.userID)); err != nil {
		return nil, false, err
	}
	if err := s.cache.PutLink(context.WithoutCancel(ctx), created.Key(), created); err != nil {
		s.logger.Warn("failed to prime link cache", zap.String("key", created.Key()), zap.Error(err))
	}

	s.logger.Info("created link",
		zap.Int64("user_id", a.userID), zap.Int64("link_id", created.ID),
		zap.String("key", created.Key()), zap.String("url", created.OriginalURL))
	return s.response(created, title, true), false, nil
}

func (s *Service) response(record *domain.LinkRecord, title string, created bool) *domain.ShortenResponse {
	return &domain.ShortenResponse{
		ID:          record.ID,
		ShortCode:   record.ShortCode,
		Alias:       record.Alias,
		ShortURL:    s.ShortURL(record.Key()),
		OriginalURL: record.OriginalURL,
		Title:       title,
		CreatedAt:   record.CreatedAt,
		Created:     created,
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// UpdateLink changes the caller's binding and returns the refreshed view
func (s *Service) UpdateLink(ctx context.Context, userID int64, rawKey string, req domain.UpdateLinkRequest) (*domain.UserLinkView, error) {
	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	var title *string
	if req.Title != nil {
		trimmed := strings.TrimSpace(*req.Title)
		title = &trimmed
	}
	var tags *[]string
	if req.Tags != nil {
		normalized := normalizeTags(*req.Tags)
		tags = &normalized
	}

	if err := s.repo.UpdateBinding(ctx, userID, record.ID, title, tags); err != nil {
		return nil, storeError("update link", err)
	}
	if err := s.invalidate(ctx, cache.UserLinksKey(userID)); err != nil {
		return nil, err
	}

	views, err := s.repo.ListUserLinks(ctx, userID)
	if err != nil {
		return nil, storeError("list user links", err)
	}
	for _, view := range views {
		if view.ID == record.ID {
			view.ShortURL = s.ShortURL(view.Key())
			return view, nil
		}
	}
	return nil, domain.ErrNotFound
}

// UpdateTitle changes a record's default title and fences every key derived from it
func (s *Service) UpdateTitle(ctx context.Context, rawKey, title string) (*domain.LinkRecord, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrInvalidTitle
	}

	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateLinkTitle(ctx, record.ID, title); err != nil {
		return nil, storeError("update title", err)
	}

	keys, err := s.recordKeysWithUsers(context.WithoutCancel(ctx), record)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, keys...); err != nil {
		return nil, err
	}

	s.logger.Info("updated link title", zap.Int64("link_id", record.ID), zap.String("title", title))
	record.Title = title
	return record, nil
}

// Delete removes the caller's binding. The record and its keys go with the last binding.
func (s *Service) Delete(ctx context.Context, userID int64, rawKey string) error {
	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(record.ID)
	deleted, err := s.repo.DeleteBinding(ctx, userID, record.ID)
	unlock()
	if err != nil {
		return storeError("delete link", err)
	}

	keys := []string{cache.UserLinksKey(userID)}
	if deleted {
		keys = append(keys, cache.RecordKeys(record)...)
	}
	if err := s.invalidate(ctx, keys...); err != nil {
		return err
	}

	s.logger.Info("deleted user link",
		zap.Int64("user_id", userID), zap.Int64("link_id", record.ID), zap.Bool("record_deleted", deleted))
	return nil
}

// ListUserLinks returns the caller's links through the user list cache
func (s *Service) ListUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, error) {
	views, ok, err := s.cache.GetUserLinks(ctx, userID)
	if err != nil {
		s.logger.Warn("user links cache read failed, falling back to store", zap.Int64("user_id", userID), zap.Error(err))
		ok = false
	}
	if ok {
		return views, nil
	}

	views, err = s.repo.ListUserLinks(ctx, userID)
	if err != nil {
		return nil, storeError("list user links", err)
	}
	for _, view := range views {
		view.ShortURL = s.ShortURL(view.Key())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.cache.PopulateUserLinks(ctx, userID, views); err != nil {
		s.logger.Warn("failed to populate user links cache", zap.Int64("user_id", userID), zap.Error(err))
	}
	return views, nil
}

// QRPath returns the stored QR asset location of a record
func (s *Service) QRPath(ctx context.Context, rawKey string) (string, error) {
	key := s.NormalizeKey(rawKey)
	if key == "" {
		return "", domain.ErrNotFound
	}

	path, ok, err := s.cache.GetQRPath(ctx, key)
	if err != nil {
		s.logger.Warn("qr cache read failed, falling back to store", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if ok {
		return path, nil
	}

	record, err := s.repo.FindByCodeOrAlias(ctx, key)
	if err != nil {
		return "", storeError("find link", err)
	}
	if record.QRPath == nil || *record.QRPath == "" {
		return "", domain.ErrNotFound
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.cache.PopulateQRPath(ctx, key, *record.QRPath); err != nil {
		s.logger.Warn("failed to populate qr cache", zap.String("key", key), zap.Error(err))
	}
	return *record.QRPath, nil
}

// SetQRPath records the QR asset location produced by the external generator.
// Only users bound to the record and administrators may change it.
func (s *Service) SetQRPath(ctx context.Context, caller domain.Caller, rawKey, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: qr path cannot be empty", domain.ErrInvalidURL)
	}

	record, err := s.findRecord(ctx, rawKey)
	if err != nil {
		return err
	}
	users, err := s.repo.BoundUserIDs(ctx, record.ID)
	if err != nil {
		return storeError("list bound users", err)
	}
	if !caller.Admin && !slices.Contains(users, caller.UserID) {
		return domain.ErrForbidden
	}

	if err := s.repo.UpdateQRPath(ctx, record.ID, path); err != nil {
		return storeError("update qr path", err)
	}

	keys := cache.RecordKeys(record)
	for _, id := range users {
		keys = append(keys, cache.UserLinksKey(id))
	}
	if err := s.invalidate(ctx, keys...); err != nil {
		return err
	}
	for _, key := range record.LookupKeys() {
		if err := s.cache.PutQRPath(context.WithoutCancel(ctx), key, path); err != nil {
			s.logger.Warn("failed to prime qr cache", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// FetchTitle returns the page title of rawURL, or a sentinel title if it cannot be read
func (s *Service) FetchTitle(ctx context.Context, rawURL string) (string, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	return s.titles.Fetch(ctx, target), nil
}

var _ LinkService = (*Service)(nil)
