package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skanga/conductor"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider implements conductor.Provider for Anthropic models, with
// streaming and image input as discovered capabilities.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	systemPrompt string
	maxTokens    int
	temperature  *float64
	topP         *float64
	client       *http.Client
	logger       *slog.Logger
}

var (
	_ conductor.Provider          = (*Provider)(nil)
	_ conductor.StreamingProvider = (*Provider)(nil)
	_ conductor.VisionProvider    = (*Provider)(nil)
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Option configures the Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (proxies, gateways).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithSystemPrompt sets a system prompt sent with every request.
func WithSystemPrompt(s string) Option {
	return func(p *Provider) { p.systemPrompt = s }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature (0.0-1.0).
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets nucleus sampling top-p.
func WithTopP(tp float64) Option {
	return func(p *Provider) { p.topP = &tp }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger. Default: no logs.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an Anthropic provider for the given model.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     model,
		baseURL:   defaultBaseURL,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{},
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info identifies the provider for routing and metrics.
func (p *Provider) Info() conductor.ProviderInfo {
	return conductor.ProviderInfo{Name: "anthropic", Model: p.model}
}

// Generate sends a single-prompt messages request and returns the text.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.generate(ctx, Message{Role: "user", Content: prompt})
}

// GenerateWithImage generates from a prompt plus one image.
func (p *Provider) GenerateWithImage(ctx context.Context, prompt string, image conductor.ImageRef) (string, error) {
	return p.GenerateWithImages(ctx, prompt, []conductor.ImageRef{image})
}

// GenerateWithImages generates from a prompt plus multiple images. Images
// precede the text block, matching the API's recommended ordering.
func (p *Provider) GenerateWithImages(ctx context.Context, prompt string, images []conductor.ImageRef) (string, error) {
	blocks := make([]ContentBlock, 0, len(images)+1)
	for _, img := range images {
		src, err := imageSource(img)
		if err != nil {
			return "", err
		}
		blocks = append(blocks, ContentBlock{Type: "image", Source: src})
	}
	blocks = append(blocks, ContentBlock{Type: "text", Text: prompt})
	return p.generate(ctx, Message{Role: "user", Content: blocks})
}

// SupportedImageFormats lists the MIME types the API accepts.
func (p *Provider) SupportedImageFormats() []string {
	return []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
}

// GenerateStream streams tokens into sink sequentially and returns the full
// concatenation.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	body := p.buildBody(Message{Role: "user", Content: prompt})
	body.Stream = true

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.httpErr(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "message_stop" {
			break
		}
		if ev.Type != "content_block_delta" || ev.Delta == nil || ev.Delta.Text == "" {
			continue
		}
		full.WriteString(ev.Delta.Text)
		if sink != nil {
			sink(ev.Delta.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

func (p *Provider) generate(ctx context.Context, msg Message) (string, error) {
	start := time.Now()
	resp, err := p.sendHTTP(ctx, p.buildBody(msg))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.httpErr(resp)
	}

	var mr MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", conductor.WrapError(conductor.CategoryInternal, "DECODE_RESPONSE", err)
	}

	var out strings.Builder
	for _, b := range mr.Content {
		if b.Type == "text" {
			out.WriteString(b.Text)
		}
	}
	if out.Len() == 0 {
		return "", conductor.NewError(conductor.CategoryInternal, "EMPTY_RESPONSE", "response contained no text blocks")
	}

	p.logger.Debug("anthropic: generate",
		"model", p.model, "stop_reason", mr.StopReason, "duration", time.Since(start))
	return out.String(), nil
}

func (p *Provider) buildBody(msg Message) MessagesRequest {
	return MessagesRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Messages:    []Message{msg},
		System:      p.systemPrompt,
		Temperature: p.temperature,
		TopP:        p.topP,
	}
}

func (p *Provider) sendHTTP(ctx context.Context, body MessagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "MARSHAL_REQUEST", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "BUILD_REQUEST", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &conductor.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: conductor.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// imageSource converts an ImageRef to an API image source. URL refs pass
// through; byte refs are base64-encoded with their MIME type.
func imageSource(img conductor.ImageRef) (*ImageSource, error) {
	if img.URL != "" {
		return &ImageSource{Type: "url", URL: img.URL}, nil
	}
	if len(img.Data) == 0 {
		return nil, conductor.NewError(conductor.CategoryValidation, "EMPTY_IMAGE", "image has neither URL nor data")
	}
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return &ImageSource{
		Type:      "base64",
		MediaType: mime,
		Data:      base64.StdEncoding.EncodeToString(img.Data),
	}, nil
}
