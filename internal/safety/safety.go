package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultEndpoint is the Google Safe Browsing v4 lookup API
const DefaultEndpoint = "https://safebrowsing.googleapis.com/v4/threatMatches:find"

var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

// Verdict is the outcome of a safety check
type Verdict struct {
	Safe     bool
	Category string
}

// Classifier decides whether a URL may be shortened
type Classifier interface {
	Check(ctx context.Context, url string) (Verdict, error)
}

// Config holds safety classifier settings. An empty APIKey disables checks.
type Config struct {
	APIKey   string        `yaml:"api_key" env:"SAFE_BROWSING_API_KEY"`
	Endpoint string        `yaml:"endpoint" env:"SAFE_BROWSING_ENDPOINT" env-default:"https://safebrowsing.googleapis.com/v4/threatMatches:find"`
	Timeout  time.Duration `yaml:"timeout" env:"SAFE_BROWSING_TIMEOUT" env-default:"5s"`
}

// New returns a Safe Browsing classifier, or Noop when no API key is set
func New(config Config, logger *zap.Logger) Classifier {
	if config.APIKey == "" {
		logger.Info("safe browsing disabled, no API key configured")
		return Noop{}
	}
	return NewSafeBrowsing(config, logger)
}

// Noop allows every URL
type Noop struct{}

// Check always reports the URL as safe
func (Noop) Check(context.Context, string) (Verdict, error) {
	return Verdict{Safe: true}, nil
}

// SafeBrowsing checks URLs against the Google Safe Browsing lookup API
type SafeBrowsing struct {
	client   *http.Client
	endpoint string
	apiKey   string
	logger   *zap.Logger
}

// NewSafeBrowsing creates a Safe Browsing classifier
func NewSafeBrowsing(config Config, logger *zap.Logger) *SafeBrowsing {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SafeBrowsing{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   config.APIKey,
		logger:   logger,
	}
}

type threatEntry struct {
	URL string `json:"url"`
}

type findRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string      `json:"threatTypes"`
		PlatformTypes    []string      `json:"platformTypes"`
		ThreatEntryTypes []string      `json:"threatEntryTypes"`
		ThreatEntries    []threatEntry `json:"threatEntries"`
	} `json:"threatInfo"`
}

type findResponse struct {
	Matches []struct {
		ThreatType string `json:"threatType"`
	} `json:"matches"`
}

// Check reports the first matching threat type as the verdict category
func (s *SafeBrowsing) Check(ctx context.Context, target string) (Verdict, error) {
	var body findRequest
	body.Client.ClientID = "linkbottle"
	body.Client.ClientVersion = "1.0"
	body.ThreatInfo.ThreatTypes = threatTypes
	body.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	body.ThreatInfo.ThreatEntryTypes = []string{"URL"}
	body.ThreatInfo.ThreatEntries = []threatEntry{{URL: target}}

	payload, err := json.Marshal(body)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to encode lookup: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"?key="+url.QueryEscape(s.apiKey), bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to build lookup: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to query safe browsing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("safe browsing returned status %d", resp.StatusCode)
	}

	var result findResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode safe browsing response: %w", err)
	}

	if len(result.Matches) == 0 {
		return Verdict{Safe: true}, nil
	}

	category := result.Matches[0].ThreatType
	s.logger.Warn("url flagged by safe browsing", zap.String("url", target), zap.String("category", category))
	return Verdict{Safe: false, Category: category}, nil
}
