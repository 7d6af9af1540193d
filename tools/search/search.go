// Package search provides a web search tool against a Brave-compatible JSON
// API. Without an API key the tool runs in stub mode and returns a
// deterministic canned result set, which keeps workflows runnable offline.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skanga/conductor"
)

const (
	defaultEndpoint = "https://api.search.brave.com/res/v1/web/search"
	maxResults      = 8
)

// Tool performs web searches.
type Tool struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ conductor.Tool = (*Tool)(nil)

// Option configures the search tool.
type Option func(*Tool)

// WithEndpoint overrides the search endpoint.
func WithEndpoint(u string) Option {
	return func(t *Tool) { t.endpoint = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a search tool. An empty apiKey enables stub mode.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		endpoint: defaultEndpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Describe() string {
	return "Search the web for current information. Args: {\"query\": string}. Returns a ranked list of title, URL, and snippet."
}

type args struct {
	Query string `json:"query"`
}

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Invoke runs the search, falling back to stub results when no key is
// configured.
func (t *Tool) Invoke(ctx context.Context, raw json.RawMessage) conductor.ToolResult {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "SEARCH_BAD_ARGS", err))
	}
	if strings.TrimSpace(a.Query) == "" {
		return fail(conductor.NewError(conductor.CategoryValidation, "SEARCH_BAD_ARGS", "query is required"))
	}

	var (
		results []Result
		err     error
	)
	if t.apiKey == "" {
		results = stubResults(a.Query)
	} else {
		results, err = t.search(ctx, a.Query)
		if err != nil {
			return fail(conductor.Classify(err))
		}
	}
	return conductor.ToolResult{OK: true, Output: format(a.Query, results)}
}

func (t *Tool) search(ctx context.Context, query string) ([]Result, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.endpoint, url.QueryEscape(query), maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &conductor.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: conductor.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("search parse: %w", err)
	}

	results := make([]Result, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
		if len(results) == maxResults {
			break
		}
	}
	return results, nil
}

// stubResults is the deterministic canned set served without an API key.
func stubResults(query string) []Result {
	return []Result{
		{
			Title:   "Result 1 for " + query,
			URL:     "https://example.com/1?q=" + url.QueryEscape(query),
			Snippet: "Stubbed search result. Configure a search API key for live results.",
		},
		{
			Title:   "Result 2 for " + query,
			URL:     "https://example.com/2?q=" + url.QueryEscape(query),
			Snippet: "Stubbed search result. Configure a search API key for live results.",
		},
	}
}

func format(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query)
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}

func fail(err *conductor.StructuredError) conductor.ToolResult {
	return conductor.ToolResult{OK: false, Error: err}
}
