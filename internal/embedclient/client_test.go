package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func embedResponseBody(t *testing.T, vec []float32) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"data": []map[string]any{{"embedding": vec}},
	})
	require.NoError(t, err)
	return body
}

func TestEmbed_SucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(embedResponseBody(t, []float32{0.1, 0.2, 0.3}))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 2, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	result, err := c.Embed(context.Background(), "## RAW_TEXT_CHUNK\nhello\n")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, result.Embedding)
	require.Equal(t, 1, result.AttemptsUsed)
}

func TestEmbed_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(embedResponseBody(t, []float32{1, 2}))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 2, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	result, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	require.Equal(t, 2, result.AttemptsUsed)
}

func TestEmbed_EmptyEmbeddingFailsWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(embedResponseBody(t, []float32{}))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 3, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	require.EqualValues(t, 1, calls)
}

func TestEmbed_RejectsEmptyInput(t *testing.T) {
	c := New(Options{APIKey: "k", Model: "m", RequestTimeout: time.Second})
	_, err := c.Embed(context.Background(), "")
	require.Error(t, err)
}
