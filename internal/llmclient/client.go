// Package llmclient is the structured-extraction stage client (C4): it
// turns one chunk's TaskPayload into a validated KbStructureOutput via
// an OpenRouter chat-completions call, retrying transient failures and
// failing closed on anything that doesn't validate.
package llmclient

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
	openRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	userAgent     = "kbpipeline/1.0 (+local-dev)"
)

// Client extracts one KbStructureOutput per call.
type Client struct {
	httpClient        *http.Client
	baseURL           string
	apiKey            string
	model             string
	requestRetries    int
	validationRetries int
	requestTimeout    time.Duration
	sleep             func(time.Duration)
}

// Options configures a Client.
type Options struct {
	APIKey             string
	Model              string
	RequestRetries     int
	ValidationRetries  int
	RequestTimeout     time.Duration
	HTTPClient         *http.Client
}

// New builds a Client with an otelhttp-instrumented transport carrying
// the OpenRouter bearer token and a fixed User-Agent on every request.
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
		httpClient:        withHeaders,
		baseURL:           openRouterURL,
		apiKey:            opts.APIKey,
		model:             opts.Model,
		requestRetries:    opts.RequestRetries,
		validationRetries: opts.ValidationRetries,
		requestTimeout:    opts.RequestTimeout,
		sleep:             time.Sleep,
	}
}

type chatRequest struct {
	Model          string           `json:"model"`
	Temperature    float64          `json:"temperature"`
	Reasoning      reasoningConfig  `json:"reasoning"`
	Messages       []chatMessage    `json:"messages"`
	ResponseFormat responseFormat   `json:"response_format"`
}

type reasoningConfig struct {
	Enabled bool `json:"enabled"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaSpec `json:"json_schema"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract runs the full request+validation attempt loop for one chunk.
func (c *Client) Extract(ctx context.Context, task kbmodel.TaskPayload) (kbmodel.LLMStageResult, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Temperature: 0,
		Reasoning:   reasoningConfig{Enabled: false},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: userPrompt(task)},
		},
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaSpec{
				Name:   "KbStructureOutput",
				Strict: true,
				Schema: structureSchema,
			},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return kbmodel.LLMStageResult{}, fmt.Errorf("marshal extraction request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.requestRetries; attempt++ {
		attemptsUsed := attempt + 1
		result, err := c.attempt(ctx, task, body, attemptsUsed)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !pipelineerr.Retryable(err) || attempt >= c.requestRetries {
			return kbmodel.LLMStageResult{}, err
		}
		if err := c.waitForRetry(ctx, err, attempt); err != nil {
			return kbmodel.LLMStageResult{}, err
		}
	}
	return kbmodel.LLMStageResult{}, lastErr
}

func (c *Client) attempt(ctx context.Context, task kbmodel.TaskPayload, body []byte, attemptsUsed int) (kbmodel.LLMStageResult, error) {
	raw, err := c.doRequest(ctx, body)
	if err != nil {
		return kbmodel.LLMStageResult{}, err
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return kbmodel.LLMStageResult{}, &pipelineerr.ValidationError{Msg: "decode chat completion envelope: " + err.Error()}
	}
	if len(chat.Choices) == 0 {
		return kbmodel.LLMStageResult{}, &pipelineerr.ValidationError{Msg: "chat completion returned no choices"}
	}

	content, err := extractContentText(chat.Choices[0].Message.Content)
	if err != nil {
		return kbmodel.LLMStageResult{}, &pipelineerr.ValidationError{Msg: err.Error()}
	}

	validationAttempts := c.validationRetries + 1
	if validationAttempts < 1 {
		validationAttempts = 1
	}
	var lastValidationErr error
	for i := 0; i < validationAttempts; i++ {
		out, err := decodeStrict(content)
		if err == nil {
			out.SourceTitle = task.SourceTitle
			out.SourceURL = task.SourceURL
			structuredText, mErr := json.Marshal(out)
			if mErr != nil {
				return kbmodel.LLMStageResult{}, fmt.Errorf("marshal structured output: %w", mErr)
			}
			return kbmodel.LLMStageResult{
				TaskID:         task.TaskID,
				StructuredJSON: out,
				StructuredText: string(structuredText),
				AttemptsUsed:   attemptsUsed,
			}, nil
		}
		lastValidationErr = err
	}
	return kbmodel.LLMStageResult{}, &pipelineerr.ValidationError{
		Msg: "structured output validation failed: " + lastValidationErr.Error(),
	}
}

// extractContentText accepts either a plain JSON string or a list of
// content parts (some providers stream text as `[{"type":"text","text":"..."}]`).
func extractContentText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unexpected chat completion content shape: %w", err)
	}
	var out bytes.Buffer
	for _, p := range parts {
		out.WriteString(p.Text)
	}
	return out.String(), nil
}

// decodeStrict rejects unknown fields, matching extra="forbid".
func decodeStrict(content string) (kbmodel.KbStructureOutput, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	var out kbmodel.KbStructureOutput
	if err := dec.Decode(&out); err != nil {
		return kbmodel.KbStructureOutput{}, err
	}
	if out.SourceTitle == "" || out.CitationQuote == "" || out.ArticleNo == "" || out.ShortDescription == "" {
		return kbmodel.KbStructureOutput{}, fmt.Errorf("required field empty in structured output")
	}
	if len(out.PossibleReasons) > 3 {
		return kbmodel.KbStructureOutput{}, fmt.Errorf("possible_reasons exceeds 3 items")
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
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
		return nil, &pipelineerr.PermanentRemoteError{Status: resp.StatusCode, Body: string(observability.RedactJSON(respBody))}
	}
	return respBody, nil
}

// waitForRetry sleeps for min(10s, 0.75*2^attempt), honoring a numeric
// Retry-After header when the failure carried one, and returns a
// CancellationError instead of sleeping if ctx is already done.
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
