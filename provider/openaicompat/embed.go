package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skanga/conductor"
)

// Embedder implements conductor.EmbeddingProvider against an OpenAI-style
// /embeddings endpoint. It is a separate type so chat providers without an
// embedding model do not advertise the capability.
type Embedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
}

var _ conductor.EmbeddingProvider = (*Embedder)(nil)

// NewEmbedder creates an embedding client. dimensions is the expected vector
// width; it is sent on the request and reported by Dimensions.
func NewEmbedder(apiKey, model, baseURL string, dimensions int) *Embedder {
	return &Embedder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
	}
}

// Embed returns the embedding vector for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request; vectors come back in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(EmbeddingRequest{Model: e.model, Input: texts, Dimensions: e.dimensions})
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "MARSHAL_REQUEST", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "BUILD_REQUEST", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &conductor.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: conductor.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var er EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "DECODE_RESPONSE", err)
	}
	if len(er.Data) != len(texts) {
		return nil, conductor.Errorf(conductor.CategoryInternal, "EMBED_COUNT",
			"embedded %d of %d inputs", len(er.Data), len(texts))
	}

	out := make([][]float64, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, conductor.Errorf(conductor.CategoryInternal, "EMBED_INDEX",
				"embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (e *Embedder) Dimensions() int { return e.dimensions }
