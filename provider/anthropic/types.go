// Package anthropic implements a client for the Anthropic Messages API with
// text, streaming, and image input support.
package anthropic

// --- Request types ---

// MessagesRequest is the /v1/messages request body.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	StopSeqs    []string  `json:"stop_sequences,omitempty"`
}

// Message is one conversation turn. Content is a string for plain text or
// []ContentBlock for multimodal turns.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentBlock is a typed content block within a multimodal message.
type ContentBlock struct {
	Type   string       `json:"type"` // "text" or "image"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource points at image bytes or a URL.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// --- Response types ---

// MessagesResponse is the /v1/messages response.
type MessagesResponse struct {
	ID         string          `json:"id"`
	Content    []ResponseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ResponseBlock is one block of generated content.
type ResponseBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming types ---

// StreamEvent is one SSE event payload. Only the fields relevant to text
// accumulation are decoded.
type StreamEvent struct {
	Type  string       `json:"type"`
	Delta *StreamDelta `json:"delta,omitempty"`
}

// StreamDelta carries the incremental text of a content_block_delta event.
type StreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
