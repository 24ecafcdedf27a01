package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

func strPtr(s string) *string {
	return &s
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080/", 42)

	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:8080", client.serverURL)
	assert.Equal(t, int64(42), client.userID)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestClient_CreateLink(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		expected := domain.ShortenResponse{
			ID:          1,
			ShortCode:   strPtr("abc123"),
			ShortURL:    "http://localhost:8080/abc123",
			OriginalURL: "https://example.com",
			Created:     true,
		}

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/links", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "42", r.Header.Get(userIDHeader))

			var req domain.ShortenRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://example.com", req.URL)
			assert.Equal(t, "promo", *req.Alias)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(expected)
		}))
		defer server.Close()

		client := NewClient(server.URL, 42)
		resp, err := client.CreateLink(context.Background(), domain.ShortenRequest{URL: "https://example.com", Alias: strPtr("promo")})
		require.NoError(t, err)
		assert.Equal(t, expected.ShortURL, resp.ShortURL)
		assert.True(t, resp.Created)
	})

	t.Run("existing link", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(domain.ShortenResponse{ID: 1})
		}))
		defer server.Close()

		resp, err := NewClient(server.URL, 1).CreateLink(context.Background(), domain.ShortenRequest{URL: "https://example.com"})
		require.NoError(t, err)
		assert.False(t, resp.Created)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "alias already in use", http.StatusConflict)
		}))
		defer server.Close()

		_, err := NewClient(server.URL, 1).CreateLink(context.Background(), domain.ShortenRequest{URL: "https://example.com"})
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		assert.Equal(t, "alias already in use", apiErr.Message)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("invalid json"))
		}))
		defer server.Close()

		_, err := NewClient(server.URL, 1).CreateLink(context.Background(), domain.ShortenRequest{URL: "https://example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode response")
	})

	t.Run("network error", func(t *testing.T) {
		_, err := NewClient("http://127.0.0.1:1", 1).CreateLink(context.Background(), domain.ShortenRequest{URL: "https://example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to make request")
	})
}

func TestClient_GetLink(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/api/links/abc123", r.URL.Path)
			json.NewEncoder(w).Encode(domain.LinkRecord{ID: 1, ShortCode: strPtr("abc123"), Clicks: 5})
		}))
		defer server.Close()

		record, err := NewClient(server.URL, 1).GetLink(context.Background(), "abc123")
		require.NoError(t, err)
		assert.Equal(t, int64(5), record.Clicks)
	})

	t.Run("not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "link not found", http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewClient(server.URL, 1).GetLink(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestClient_ListLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/links", r.URL.Path)
		assert.Equal(t, "7", r.Header.Get(userIDHeader))
		json.NewEncoder(w).Encode([]*domain.UserLinkView{
			{ID: 2, Alias: strPtr("promo")},
			{ID: 1, ShortCode: strPtr("abc123")},
		})
	}))
	defer server.Close()

	views, err := NewClient(server.URL, 7).ListLinks(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "promo", views[0].Key())
}

func TestClient_UpdateLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/links/abc123", r.URL.Path)

		var req domain.UpdateLinkRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Mine", *req.Title)
		assert.Nil(t, req.Tags)

		json.NewEncoder(w).Encode(domain.UserLinkView{ID: 1, Title: "Mine"})
	}))
	defer server.Close()

	view, err := NewClient(server.URL, 1).UpdateLink(context.Background(), "abc123", domain.UpdateLinkRequest{Title: strPtr("Mine")})
	require.NoError(t, err)
	assert.Equal(t, "Mine", view.Title)
}

func TestClient_DeleteLink(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		expectErr error
	}{
		{name: "deleted", status: http.StatusNoContent},
		{name: "not found", status: http.StatusNotFound, expectErr: domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewClient(server.URL, 1).DeleteLink(context.Background(), "abc123")
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestClient_FetchTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/title", r.URL.Path)
		assert.Equal(t, "https://example.com/a?b=c", r.URL.Query().Get("url"))
		json.NewEncoder(w).Encode(domain.TitleResponse{URL: "https://example.com/a?b=c", Title: "Example"})
	}))
	defer server.Close()

	title, err := NewClient(server.URL, 1).FetchTitle(context.Background(), "https://example.com/a?b=c")
	require.NoError(t, err)
	assert.Equal(t, "Example", title.Title)
}
