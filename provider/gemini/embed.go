package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skanga/conductor"
)

// Embedding implements conductor.EmbeddingProvider for Gemini embedding
// models via the embedContent endpoint.
type Embedding struct {
	apiKey string
	model  string
	dims   int
	client *http.Client
}

var _ conductor.EmbeddingProvider = (*Embedding)(nil)

// NewEmbedding creates a Gemini embedding provider. dims is passed as
// outputDimensionality on every request.
func NewEmbedding(apiKey, model string, dims int) *Embedding {
	return &Embedding{
		apiKey: apiKey,
		model:  model,
		dims:   dims,
		client: &http.Client{},
	}
}

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

// Embed returns the embedding vector for one text.
func (e *Embedding) Embed(ctx context.Context, text string) ([]float64, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", baseURL, e.model, e.apiKey)

	body := map[string]any{
		"content": map[string]any{
			"parts": []map[string]any{{"text": text}},
		},
		"outputDimensionality": e.dims,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "MARSHAL_REQUEST", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "BUILD_REQUEST", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini embed request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "READ_RESPONSE", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp, string(respBody))
	}

	var parsed struct {
		Embedding *struct {
			Values []float64 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "DECODE_RESPONSE", err)
	}
	if parsed.Embedding == nil {
		return nil, conductor.NewError(conductor.CategoryInternal, "EMPTY_RESPONSE",
			"missing embedding.values in response")
	}
	return parsed.Embedding.Values, nil
}

// EmbedBatch embeds each text sequentially; the endpoint takes one content
// per call.
func (e *Embedding) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vecs := make([][]float64, 0, len(texts))
	for _, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, v)
	}
	return vecs, nil
}
