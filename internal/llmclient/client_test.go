package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbpipeline/internal/kbmodel"
)

func samplePayload() kbmodel.TaskPayload {
	return kbmodel.TaskPayload{
		TaskID:      "t1",
		SourceID:    "gdpr",
		SourceTitle: "GDPR",
		SourceURL:   "https://example.test/gdpr",
		ChunkIndex:  0,
		ChunkCount:  1,
		RawText:     "The processing by a processor shall be governed by a contract.",
		ContextMode: kbmodel.ContextModeFullDoc,
		ContextText: "The processing by a processor shall be governed by a contract.",
	}
}

func chatResponseBody(t *testing.T, structured map[string]any) []byte {
	t.Helper()
	content, err := json.Marshal(structured)
	require.NoError(t, err)
	env := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": string(content)}},
		},
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func validStructuredOutput() map[string]any {
	return map[string]any{
		"source_title":      "ignored",
		"source_url":        "ignored",
		"article_no":        "Article 28(3)",
		"short_description": "desc",
		"consequences":      nil,
		"possible_reasons":  []string{},
		"citation_quote":    "The processing by a processor shall be governed by a contract.",
		"citation_section":  nil,
	}
}

func TestExtract_SucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(chatResponseBody(t, validStructuredOutput()))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 2, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	result, err := c.Extract(context.Background(), samplePayload())
	require.NoError(t, err)
	require.Equal(t, "GDPR", result.StructuredJSON.SourceTitle)
	require.Equal(t, 1, result.AttemptsUsed)
}

func TestExtract_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(chatResponseBody(t, validStructuredOutput()))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 2, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	result, err := c.Extract(context.Background(), samplePayload())
	require.NoError(t, err)
	require.Equal(t, 2, result.AttemptsUsed)
	require.EqualValues(t, 2, calls)
}

func TestExtract_ValidationFailureNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(chatResponseBody(t, map[string]any{"unexpected_field": "nope"}))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 3, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	_, err := c.Extract(context.Background(), samplePayload())
	require.Error(t, err)
	require.EqualValues(t, 1, calls, "validation failures must not be retried")
}

func TestExtract_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test-key", Model: "m", RequestRetries: 3, RequestTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	c.baseURL = srv.URL

	_, err := c.Extract(context.Background(), samplePayload())
	require.Error(t, err)
	require.EqualValues(t, 1, calls)
}
