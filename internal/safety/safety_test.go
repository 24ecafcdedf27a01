package safety

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_NoKeyIsNoop(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	require.IsType(t, Noop{}, c)

	verdict, err := c.Check(context.Background(), "https://anything.example.com")
	require.NoError(t, err)
	assert.True(t, verdict.Safe)
}

func TestSafeBrowsing_Check(t *testing.T) {
	var received findRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		if received.ThreatInfo.ThreatEntries[0].URL == "https://bad.example.com" {
			_, _ = w.Write([]byte(`{"matches":[{"threatType":"SOCIAL_ENGINEERING","platformType":"ANY_PLATFORM"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := New(Config{APIKey: "secret", Endpoint: server.URL}, zap.NewNop())
	ctx := context.Background()

	verdict, err := c.Check(ctx, "https://good.example.com")
	require.NoError(t, err)
	assert.True(t, verdict.Safe)
	assert.Equal(t, threatTypes, received.ThreatInfo.ThreatTypes)
	assert.Equal(t, "linkbottle", received.Client.ClientID)

	verdict, err = c.Check(ctx, "https://bad.example.com")
	require.NoError(t, err)
	assert.False(t, verdict.Safe)
	assert.Equal(t, "SOCIAL_ENGINEERING", verdict.Category)
}

func TestSafeBrowsing_CheckErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "garbled" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewSafeBrowsing(Config{APIKey: "secret", Endpoint: server.URL}, zap.NewNop()).Check(context.Background(), "https://x.example.com")
	assert.ErrorContains(t, err, "status 429")

	_, err = NewSafeBrowsing(Config{APIKey: "garbled", Endpoint: server.URL}, zap.NewNop()).Check(context.Background(), "https://x.example.com")
	assert.ErrorContains(t, err, "failed to decode")
}
