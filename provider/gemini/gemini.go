// Package gemini implements the Google Gemini generation and embedding
// providers over the generativelanguage REST API.
package gemini

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

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements conductor.Provider for Google Gemini models, with
// streaming and image input as discovered capabilities.
type Gemini struct {
	apiKey       string
	model        string
	systemPrompt string
	temperature  float64
	topP         float64
	client       *http.Client
	logger       *slog.Logger
}

var (
	_ conductor.Provider          = (*Gemini)(nil)
	_ conductor.StreamingProvider = (*Gemini)(nil)
	_ conductor.VisionProvider    = (*Gemini)(nil)
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Gemini provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		temperature: 0.1,
		topP:        0.9,
		client:      &http.Client{},
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Info identifies the provider for routing and metrics.
func (g *Gemini) Info() conductor.ProviderInfo {
	return conductor.ProviderInfo{Name: "gemini", Model: g.model}
}

// Generate sends a single-prompt generateContent request and returns the text.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, []part{{Text: prompt}})
}

// GenerateWithImage generates from a prompt plus one image.
func (g *Gemini) GenerateWithImage(ctx context.Context, prompt string, image conductor.ImageRef) (string, error) {
	return g.GenerateWithImages(ctx, prompt, []conductor.ImageRef{image})
}

// GenerateWithImages generates from a prompt plus multiple images. Only
// inline (base64) image data is supported; URL refs must be fetched by the
// caller first.
func (g *Gemini) GenerateWithImages(ctx context.Context, prompt string, images []conductor.ImageRef) (string, error) {
	parts := make([]part, 0, len(images)+1)
	for _, img := range images {
		if len(img.Data) == 0 {
			return "", conductor.NewError(conductor.CategoryValidation, "EMPTY_IMAGE",
				"gemini requires inline image data")
		}
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	parts = append(parts, part{Text: prompt})
	return g.generate(ctx, parts)
}

// SupportedImageFormats lists the MIME types the API accepts.
func (g *Gemini) SupportedImageFormats() []string {
	return []string{"image/jpeg", "image/png", "image/webp", "image/heic", "image/heif"}
}

// GenerateStream streams tokens into sink sequentially and returns the full
// concatenation.
func (g *Gemini) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.model, g.apiKey)

	resp, err := g.post(ctx, url, g.buildBody([]part{{Text: prompt}}))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", httpErr(resp, string(body))
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

		var chunk generateResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if text := chunk.text(); text != "" {
			full.WriteString(text)
			if sink != nil {
				sink(text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

func (g *Gemini) generate(ctx context.Context, parts []part) (string, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.model, g.apiKey)

	resp, err := g.post(ctx, url, g.buildBody(parts))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", conductor.WrapError(conductor.CategoryInternal, "READ_RESPONSE", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", httpErr(resp, string(body))
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", conductor.WrapError(conductor.CategoryInternal, "DECODE_RESPONSE", err)
	}
	text := parsed.text()
	if text == "" {
		return "", conductor.NewError(conductor.CategoryInternal, "EMPTY_RESPONSE", "response contained no text parts")
	}

	g.logger.Debug("gemini: generate", "model", g.model, "duration", time.Since(start))
	return text, nil
}

// buildBody constructs the generateContent request body.
func (g *Gemini) buildBody(parts []part) map[string]any {
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": parts},
		},
		"generationConfig": map[string]any{
			"temperature": g.temperature,
			"topP":        g.topP,
		},
	}
	if g.systemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []part{{Text: g.systemPrompt}},
		}
	}
	return body
}

func (g *Gemini) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "MARSHAL_REQUEST", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "BUILD_REQUEST", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	return resp, nil
}

// --- Wire types ---

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// text concatenates the text parts of the first candidate, skipping
// thinking parts.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// --- Error mapping ---

// httpErr builds an ErrHTTP, taking the retry delay from the Retry-After
// header or from the google.rpc.RetryInfo detail in the JSON error body.
func httpErr(resp *http.Response, body string) *conductor.ErrHTTP {
	ra := conductor.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &conductor.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from an error body containing a
// google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}
