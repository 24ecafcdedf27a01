package fetcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// FailedTitle is returned when the page cannot be fetched
	FailedTitle = "Failed to Fetch Title"

	// NoTitle is returned when the page has no usable <title>
	NoTitle = "No Title"

	maxBodyBytes = 1 << 20
)

// TitleFetcher returns a human readable title for a URL. It never fails;
// problems are reported through the FailedTitle and NoTitle sentinels.
type TitleFetcher interface {
	Fetch(ctx context.Context, url string) string
}

// Config holds title fetcher settings
type Config struct {
	Timeout time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT" env-default:"10s"`
}

// HTTPFetcher fetches pages over HTTP and reads their <title>
type HTTPFetcher struct {
	client *http.Client
	logger *zap.Logger
}

// New creates an HTTPFetcher. Redirects are followed by the default policy.
func New(config Config, logger *zap.Logger) *HTTPFetcher {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Fetch returns the trimmed content of the page's first <title> element
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.logger.Debug("invalid title request", zap.String("url", url), zap.Error(err))
		return FailedTitle
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("failed to fetch title", zap.String("url", url), zap.Error(err))
		return FailedTitle
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Debug("unexpected status fetching title", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return FailedTitle
	}

	return ParseTitle(io.LimitReader(resp.Body, maxBodyBytes))
}

// ParseTitle scans an HTML document for its first <title>. Pages with no
// title, or an empty one, yield NoTitle.
func ParseTitle(r io.Reader) string {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return NoTitle
		case html.StartTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) != atom.Title {
				continue
			}
			if z.Next() != html.TextToken {
				return NoTitle
			}
			title := strings.TrimSpace(string(z.Text()))
			if title == "" {
				return NoTitle
			}
			return title
		}
	}
}

var _ TitleFetcher = (*HTTPFetcher)(nil)
