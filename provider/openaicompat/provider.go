package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/skanga/conductor"
)

const defaultAzureAPIVersion = "2024-06-01"

// Provider implements conductor.Provider (plus streaming and embedding) for
// any endpoint speaking the OpenAI chat completions dialect.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	name         string
	systemPrompt string
	azure        bool
	client       *http.Client
	opts         []Option
	logger       *slog.Logger
}

var (
	_ conductor.Provider          = (*Provider)(nil)
	_ conductor.StreamingProvider = (*Provider)(nil)
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1", or an Azure deployment URL with WithAzure).
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info identifies the provider for routing and metrics. The name is
// normalized; the model string stays raw for API payloads.
func (p *Provider) Info() conductor.ProviderInfo {
	return conductor.ProviderInfo{Name: conductor.NormalizeName(p.name), Model: p.model}
}

// Generate sends a single-prompt completion request and returns the text.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := p.sendHTTP(ctx, p.buildBody(prompt, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", conductor.WrapError(conductor.CategoryInternal, "DECODE_RESPONSE", err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return "", conductor.NewError(conductor.CategoryInternal, "EMPTY_RESPONSE", "response contained no choices")
	}
	if r := chatResp.Choices[0].Message.Refusal; r != "" {
		return "", conductor.NewError(conductor.CategoryValidation, "REFUSAL", r)
	}

	p.logger.Debug("openaicompat: generate",
		"model", p.model, "duration", time.Since(start))
	return chatResp.Choices[0].Message.Content, nil
}

// GenerateStream streams tokens into sink sequentially and returns the full
// concatenation.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	body := p.buildBody(prompt, true)
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.httpErr(resp)
	}
	return readSSE(ctx, resp.Body, sink)
}

// buildBody assembles a request body for prompt with provider-level options
// applied in order.
func (p *Provider) buildBody(prompt string, stream bool) ChatRequest {
	var msgs []Message
	if p.systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.systemPrompt})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	body := ChatRequest{Model: p.model, Messages: msgs, Stream: stream}
	for _, opt := range p.opts {
		opt(&body)
	}
	return body
}

// endpoint returns the full chat completions URL for the configured mode.
func (p *Provider) endpoint() string {
	if p.azure {
		return p.baseURL + "/chat/completions?api-version=" + defaultAzureAPIVersion
	}
	return p.baseURL + "/chat/completions"
}

// sendHTTP marshals the body and posts it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "MARSHAL_REQUEST", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "BUILD_REQUEST", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setAuth(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", p.name, err)
	}
	return resp, nil
}

func (p *Provider) setAuth(req *http.Request) {
	if p.apiKey == "" {
		return
	}
	if p.azure {
		req.Header.Set("api-key", p.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

// httpErr reads the response body and returns an ErrHTTP the retry
// classifier can read, Retry-After included when the server sent one.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &conductor.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: conductor.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
