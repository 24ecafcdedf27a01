package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/metrics"
)

// Key prefixes for each record type
const (
	LinkPrefix      = "link:"
	LinkQRPrefix    = "link_qr:"
	UserLinksPrefix = "user:"
	userLinksSuffix = ":links"
)

// entryVersion is bumped whenever the cached shape of a record changes.
// Entries written under another version decode as misses.
const entryVersion = 1

// fence marks a key as recently invalidated. Readers treat it as a miss and
// may not overwrite it with SetNX until it expires.
var fence = []byte("\x00fence")

// LinkKey returns the cache key for a single record
func LinkKey(key string) string {
	return LinkPrefix + key
}

// LinkQRKey returns the cache key for a record's QR asset
func LinkQRKey(key string) string {
	return LinkQRPrefix + key
}

// UserLinksKey returns the cache key for a user's list of links
func UserLinksKey(userID int64) string {
	return UserLinksPrefix + strconv.FormatInt(userID, 10) + userLinksSuffix
}

// RecordKeys returns every key derived from a record: by short code, by alias and their QR keys
func RecordKeys(record *domain.LinkRecord) []string {
	var keys []string
	for _, key := range record.LookupKeys() {
		keys = append(keys, LinkKey(key), LinkQRKey(key))
	}
	return keys
}

// Options holds TTLs for resolution cache entries
type Options struct {
	LinkTTL  time.Duration
	ListTTL  time.Duration
	QRTTL    time.Duration
	FenceTTL time.Duration
}

// DefaultOptions returns TTLs of 300s for links and lists, 3600s for QR entries
func DefaultOptions() Options {
	return Options{
		LinkTTL:  300 * time.Second,
		ListTTL:  300 * time.Second,
		QRTTL:    3600 * time.Second,
		FenceTTL: 2 * time.Second,
	}
}

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// LinkEntry is a cached record along with the exact bytes it was read from
type LinkEntry struct {
	Record *domain.LinkRecord
	raw    []byte
}

// Resolution is a typed read-through cache over a Store
type Resolution struct {
	store   Store
	opts    Options
	metrics *metrics.Metrics
}

// NewResolution creates a resolution cache
func NewResolution(store Store, opts Options, m *metrics.Metrics) *Resolution {
	return &Resolution{
		store:   store,
		opts:    opts,
		metrics: m,
	}
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: entryVersion, Data: data})
}

func decode(raw []byte, v any) bool {
	if bytes.Equal(raw, fence) {
		return false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if env.Version != entryVersion || len(env.Data) == 0 {
		return false
	}
	return json.Unmarshal(env.Data, v) == nil
}

// GetLink looks up the record cached under key
func (r *Resolution) GetLink(ctx context.Context, key string) (*LinkEntry, bool, error) {
	raw, ok, err := r.store.Get(ctx, LinkKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read link cache: %w", err)
	}

	var record domain.LinkRecord
	if !ok || !decode(raw, &record) {
		r.metrics.CacheMiss("link")
		return nil, false, nil
	}

	r.metrics.CacheHit("link")
	return &LinkEntry{Record: &record, raw: raw}, true, nil
}

// PopulateLink stores a record loaded after a miss. It never replaces an existing
// entry, so a record read before a concurrent invalidation cannot mask it.
func (r *Resolution) PopulateLink(ctx context.Context, key string, record *domain.LinkRecord) error {
	raw, err := encode(record)
	if err != nil {
		return fmt.Errorf("failed to encode link: %w", err)
	}
	if _, err := r.store.SetNX(ctx, LinkKey(key), raw, r.opts.LinkTTL); err != nil {
		return fmt.Errorf("failed to populate link cache: %w", err)
	}
	return nil
}

// PutLink overwrites the entry for key with a freshly committed record
func (r *Resolution) PutLink(ctx context.Context, key string, record *domain.LinkRecord) error {
	raw, err := encode(record)
	if err != nil {
		return fmt.Errorf("failed to encode link: %w", err)
	}
	if err := r.store.Set(ctx, LinkKey(key), raw, r.opts.LinkTTL); err != nil {
		return fmt.Errorf("failed to write link cache: %w", err)
	}
	return nil
}

// BumpClicks increments the cached click snapshot by one, but only if the entry
// is unchanged since it was read. It reports whether the swap happened.
func (r *Resolution) BumpClicks(ctx context.Context, key string, entry *LinkEntry) (bool, error) {
	bumped := *entry.Record
	bumped.Clicks++

	raw, err := encode(&bumped)
	if err != nil {
		return false, fmt.Errorf("failed to encode link: %w", err)
	}

	swapped, err := r.store.CompareAndSwap(ctx, LinkKey(key), entry.raw, raw, r.opts.LinkTTL)
	if err != nil {
		return false, fmt.Errorf("failed to bump cached clicks: %w", err)
	}
	if swapped {
		entry.Record.Clicks = bumped.Clicks
		entry.raw = raw
	}
	return swapped, nil
}

// GetUserLinks looks up the cached list for a user
func (r *Resolution) GetUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, bool, error) {
	raw, ok, err := r.store.Get(ctx, UserLinksKey(userID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read user links cache: %w", err)
	}

	var views []*domain.UserLinkView
	if !ok || !decode(raw, &views) {
		r.metrics.CacheMiss("user_links")
		return nil, false, nil
	}

	r.metrics.CacheHit("user_links")
	return views, true, nil
}

// PopulateUserLinks stores a list loaded after a miss without replacing an existing entry
func (r *Resolution) PopulateUserLinks(ctx context.Context, userID int64, views []*domain.UserLinkView) error {
	if views == nil {
		views = []*domain.UserLinkView{}
	}
	raw, err := encode(views)
	if err != nil {
		return fmt.Errorf("failed to encode user links: %w", err)
	}
	if _, err := r.store.SetNX(ctx, UserLinksKey(userID), raw, r.opts.ListTTL); err != nil {
		return fmt.Errorf("failed to populate user links cache: %w", err)
	}
	return nil
}

// GetQRPath looks up the cached QR asset path for key
func (r *Resolution) GetQRPath(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := r.store.Get(ctx, LinkQRKey(key))
	if err != nil {
		return "", false, fmt.Errorf("failed to read qr cache: %w", err)
	}

	var path string
	if !ok || !decode(raw, &path) {
		r.metrics.CacheMiss("link_qr")
		return "", false, nil
	}

	r.metrics.CacheHit("link_qr")
	return path, true, nil
}

// PopulateQRPath stores a QR asset path loaded after a miss
func (r *Resolution) PopulateQRPath(ctx context.Context, key, path string) error {
	raw, err := encode(path)
	if err != nil {
		return fmt.Errorf("failed to encode qr path: %w", err)
	}
	if _, err := r.store.SetNX(ctx, LinkQRKey(key), raw, r.opts.QRTTL); err != nil {
		return fmt.Errorf("failed to populate qr cache: %w", err)
	}
	return nil
}

// PutQRPath overwrites the QR entry for key with a freshly committed path
func (r *Resolution) PutQRPath(ctx context.Context, key, path string) error {
	raw, err := encode(path)
	if err != nil {
		return fmt.Errorf("failed to encode qr path: %w", err)
	}
	if err := r.store.Set(ctx, LinkQRKey(key), raw, r.opts.QRTTL); err != nil {
		return fmt.Errorf("failed to write qr cache: %w", err)
	}
	return nil
}

// Invalidate fences the given keys after a committed mutation. A reader that
// loaded pre-commit data before the fence was written cannot replace it.
func (r *Resolution) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if r.opts.FenceTTL <= 0 {
		if err := r.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("failed to invalidate keys: %w", err)
		}
		return nil
	}
	for _, key := range keys {
		if err := r.store.Set(ctx, key, fence, r.opts.FenceTTL); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", key, err)
		}
	}
	return nil
}

// Evict deletes the given keys but leaves fences in place, so a refresh
// never reopens a window that an earlier Invalidate closed
func (r *Resolution) Evict(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.store.DeleteUnless(ctx, fence, keys...); err != nil {
		return fmt.Errorf("failed to evict keys: %w", err)
	}
	return nil
}
