// Package embedclient is the embedding stage client (C4): it turns a
// chunk's combined raw-text-plus-structured-output into a single
// embedding vector via an OpenAI-compatible embeddings endpoint, using
// the same retry/backoff policy as the extraction stage.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"kbpipeline/internal/kbmodel"
	"kbpipeline/internal/observability"
	"kbpipeline/internal/pipelineerr"
)

const (
	openAIEmbedURL = "https://api.openai.com/v1/embeddings"
	userAgent      = "kbpipeline/1.0 (+local-dev)"
)

// Client embeds one combined chunk text per call.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	model          string
	requestRetries int
	requestTimeout time.Duration
	sleep          func(time.Duration)
}

// Options configures a Client.
type Options struct {
	APIKey         string
	Model          string
	RequestRetries int
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New builds a Client with an otelhttp-instrumented transport carrying
// the OpenAI bearer token and a fixed User-Agent on every request.
func New(opts Options) *Client {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	base.Timeout = opts.RequestTimeout
	instrumented := observability.NewHTTPClient(base)
	withHeaders := observability.WithHeaders(instrumented, map[string]string{
		"Authorization": "Bearer " + opts.APIKey,
		"User-Agent":    userAgent,
		"Content-Type":  "application/json",
	})
	return &Client{
		httpClient:     withHeaders,
		baseURL:        openAIEmbedURL,
		apiKey:         opts.APIKey,
		model:          opts.Model,
		requestRetries: opts.RequestRetries,
		requestTimeout: opts.RequestTimeout,
		sleep:          time.Sleep,
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed runs the request+retry loop for one chunk's combined text.
func (c *Client) Embed(ctx context.Context, combinedText string) (kbmodel.EmbedStageResult, error) {
	if combinedText == "" {
		return kbmodel.EmbedStageResult{}, &pipelineerr.ValidationError{Msg: "combined text is empty"}
	}
	body, err := json.Marshal(embedRequest{Model: c.model, Input: combinedText})
	if err != nil {
		return kbmodel.EmbedStageResult{}, fmt.Errorf("marshal embedding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.requestRetries; attempt++ {
		attemptsUsed := attempt + 1
		result, err := c.attempt(ctx, body, attemptsUsed)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !pipelineerr.Retryable(err) || attempt >= c.requestRetries {
			return kbmodel.EmbedStageResult{}, err
		}
		if err := c.waitForRetry(ctx, err, attempt); err != nil {
			return kbmodel.EmbedStageResult{}, err
		}
	}
	return kbmodel.EmbedStageResult{}, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte, attemptsUsed int) (kbmodel.EmbedStageResult, error) {
	raw, err := c.doRequest(ctx, body)
	if err != nil {
		return kbmodel.EmbedStageResult{}, err
	}
	var res embedResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return kbmodel.EmbedStageResult{}, &pipelineerr.ValidationError{Msg: "decode embedding response: " + err.Error()}
	}
	if len(res.Data) == 0 || len(res.Data[0].Embedding) == 0 {
		return kbmodel.EmbedStageResult{}, &pipelineerr.ValidationError{Msg: "invalid embedding response payload"}
	}
	return kbmodel.EmbedStageResult{
		Embedding:    res.Data[0].Embedding,
		AttemptsUsed: attemptsUsed,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &pipelineerr.CancellationError{Reason: ctx.Err().Error()}
		}
		return nil, &pipelineerr.TransientRemoteError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &pipelineerr.TransientRemoteError{Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &pipelineerr.TransientRemoteError{
			Status:            resp.StatusCode,
			RetryAfterSeconds: retryAfter,
			Err:               fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &pipelineerr.PermanentRemoteError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func (c *Client) waitForRetry(ctx context.Context, cause error, attempt int) error {
	delay := backoffDelay(attempt)
	if transient, ok := cause.(*pipelineerr.TransientRemoteError); ok && transient.RetryAfterSeconds > 0 {
		delay = time.Duration(transient.RetryAfterSeconds) * time.Second
	}
	select {
	case <-ctx.Done():
		return &pipelineerr.CancellationError{Reason: ctx.Err().Error()}
	default:
	}
	c.sleep(delay)
	return nil
}

func backoffDelay(attempt int) time.Duration {
	secs := 0.75 * float64(int(1)<<uint(attempt))
	if secs > 10 {
		secs = 10
	}
	return time.Duration(secs * float64(time.Second))
}
