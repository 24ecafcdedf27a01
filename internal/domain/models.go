package domain

import (
	"time"
)

// LinkRecord is the canonical short link shared by every user bound to it
type LinkRecord struct {
	ID          int64     `json:"id"`
	ShortCode   *string   `json:"short_code,omitempty"`
	Alias       *string   `json:"alias,omitempty"`
	OriginalURL string    `json:"original_url"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	Clicks      int64     `json:"clicks"`
	QRPath      *string   `json:"qr_path,omitempty"`
}

// Key returns the token the record is resolved by: its short code, or its alias
// when no code was generated.
func (l *LinkRecord) Key() string {
	if l.ShortCode != nil && *l.ShortCode != "" {
		return *l.ShortCode
	}
	if l.Alias != nil {
		return *l.Alias
	}
	return ""
}

// LookupKeys returns every non-empty token that resolves to the record.
func (l *LinkRecord) LookupKeys() []string {
	var keys []string
	if l.ShortCode != nil && *l.ShortCode != "" {
		keys = append(keys, *l.ShortCode)
	}
	if l.Alias != nil && *l.Alias != "" {
		keys = append(keys, *l.Alias)
	}
	return keys
}

// UserLinkBinding attaches a user to a LinkRecord with per-user metadata
type UserLinkBinding struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	LinkID    int64     `json:"link_id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// UserLinkView is a binding joined with its record, as listed for one user
type UserLinkView struct {
	UserLinkID   int64     `json:"user_link_id"`
	ID           int64     `json:"id"`
	ShortCode    *string   `json:"short_code,omitempty"`
	Alias        *string   `json:"alias,omitempty"`
	ShortURL     string    `json:"short_url"`
	OriginalURL  string    `json:"original_url"`
	Title        string    `json:"title"`
	DefaultTitle string    `json:"default_title"`
	Tags         []string  `json:"tags"`
	Clicks       int64     `json:"clicks"`
	CreatedAt    time.Time `json:"created_at"`
	QRPath       *string   `json:"qr_code_path,omitempty"`
}

// Key returns the token the underlying record is resolved by.
func (v *UserLinkView) Key() string {
	if v.ShortCode != nil && *v.ShortCode != "" {
		return *v.ShortCode
	}
	if v.Alias != nil {
		return *v.Alias
	}
	return ""
}

// ShortenRequest is the input to a shorten operation
type ShortenRequest struct {
	URL   string  `json:"original_url"`
	Alias *string `json:"alias,omitempty"`
	Title *string `json:"title,omitempty"`
}

// ShortenResponse describes the record a shorten call resolved to
type ShortenResponse struct {
	ID          int64     `json:"id"`
	ShortCode   *string   `json:"short_code,omitempty"`
	Alias       *string   `json:"alias,omitempty"`
	ShortURL    string    `json:"short_url"`
	OriginalURL string    `json:"original_url"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	Created     bool      `json:"created"`
}

// UpdateLinkRequest changes a user's binding. Nil fields are left untouched.
type UpdateLinkRequest struct {
	Title *string   `json:"title,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
}

// UpdateTitleRequest changes the default title of a record
type UpdateTitleRequest struct {
	Title string `json:"title"`
}

// UpdateRecordRequest changes a record itself for every bound user. Nil fields
// are left untouched; an empty alias removes it from a record that has a short code.
type UpdateRecordRequest struct {
	OriginalURL *string `json:"original_url,omitempty"`
	Alias       *string `json:"alias,omitempty"`
	Title       *string `json:"title,omitempty"`
}

// LinkDetail is a record as seen by an administrator
type LinkDetail struct {
	LinkRecord
	Bindings int `json:"bindings"`
}

// Caller identifies who is making a request
type Caller struct {
	UserID int64
	Admin  bool
}

// ClickDelta is an unflushed click count for one link
type ClickDelta struct {
	LinkID int64
	Delta  int64
}

// FlushResult summarizes one flush cycle
type FlushResult struct {
	Drained int
	Applied int
	Clicks  int64
}

// Health reports the state of the click flush pipeline
type Health struct {
	Status       string     `json:"status"`
	LastFlush    *time.Time `json:"last_flush,omitempty"`
	PendingLinks int64      `json:"pending_links"`
	StoreHealthy bool       `json:"store_healthy"`
	CacheHealthy bool       `json:"cache_healthy"`
}

// TitleResponse is returned by the title lookup endpoint
type TitleResponse struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}
