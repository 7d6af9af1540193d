// Package fetch provides a URL fetch tool that extracts readable article
// text from HTML pages.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/skanga/conductor"
)

const (
	maxBodyBytes   = 1 << 20 // 1MB
	maxOutputChars = 8000
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

var _ conductor.Tool = (*Tool)(nil)

// New creates a fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

// WithHTTPClient replaces the default HTTP client, for tests and proxies.
func (t *Tool) WithHTTPClient(c *http.Client) *Tool {
	t.client = c
	return t
}

func (t *Tool) Name() string { return "http_fetch" }

func (t *Tool) Describe() string {
	return "Fetch a URL and extract its readable text content. Args: {\"url\": string}. Use for reading web pages, articles, documentation."
}

type args struct {
	URL string `json:"url"`
}

// Invoke downloads the page and extracts its readable text.
func (t *Tool) Invoke(ctx context.Context, raw json.RawMessage) conductor.ToolResult {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "FETCH_BAD_ARGS", err))
	}

	parsed, err := url.Parse(a.URL)
	if err != nil || parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fail(conductor.Errorf(conductor.CategoryValidation, "FETCH_BAD_URL",
			"url must be http or https: %q", a.URL))
	}

	content, err := t.fetch(ctx, parsed)
	if err != nil {
		return fail(conductor.Classify(err))
	}
	if len(content) > maxOutputChars {
		content = content[:maxOutputChars] + "\n... (truncated)"
	}
	return conductor.ToolResult{OK: true, Output: content}
}

func (t *Tool) fetch(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConductorBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &conductor.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: conductor.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), u)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	// Not an article (or extraction failed): return the raw body, which for
	// JSON and plain-text endpoints is what the caller wants anyway.
	return string(body), nil
}

func fail(err *conductor.StructuredError) conductor.ToolResult {
	return conductor.ToolResult{OK: false, Error: err}
}
