package conductor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Provider abstracts a remote model endpoint. The contract is deliberately
// narrow: one prompt in, one completion out. Extended abilities are optional
// interfaces discovered on the same instance (see Capabilities).
type Provider interface {
	// Generate sends a prompt and returns the completed text, or an error
	// the retry classifier can read.
	Generate(ctx context.Context, prompt string) (string, error)
	// Info identifies the provider for routing and metrics.
	Info() ProviderInfo
}

// StreamingProvider is implemented by providers that can deliver partial
// tokens. The sink is invoked sequentially and in order within one call;
// the return value is the full concatenation.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error)
}

// EmbeddingProvider is implemented by providers that can embed text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
}

// ImageRef points at image content for vision generation. Either URL or
// Data+MIME is set.
type ImageRef struct {
	URL  string
	Data []byte
	MIME string
}

// VisionProvider is implemented by providers that accept image input.
type VisionProvider interface {
	GenerateWithImage(ctx context.Context, prompt string, image ImageRef) (string, error)
	GenerateWithImages(ctx context.Context, prompt string, images []ImageRef) (string, error)
	SupportedImageFormats() []string
}

// --- Capability discovery ---

// Capability tags an optional provider ability.
type Capability string

const (
	CapStreaming Capability = "streaming"
	CapEmbedding Capability = "embedding"
	CapVision    Capability = "vision"
)

// Capabilities returns the tag set a provider instance declares through the
// optional interfaces it implements. Pure predicate, no reflection.
func Capabilities(p Provider) map[Capability]bool {
	caps := make(map[Capability]bool, 3)
	if _, ok := p.(StreamingProvider); ok {
		caps[CapStreaming] = true
	}
	if _, ok := p.(EmbeddingProvider); ok {
		caps[CapEmbedding] = true
	}
	if _, ok := p.(VisionProvider); ok {
		caps[CapVision] = true
	}
	return caps
}

// AsStreaming returns the streaming view of p when it has one.
func AsStreaming(p Provider) (StreamingProvider, bool) {
	s, ok := p.(StreamingProvider)
	return s, ok
}

// AsEmbedding returns the embedding view of p when it has one.
func AsEmbedding(p Provider) (EmbeddingProvider, bool) {
	e, ok := p.(EmbeddingProvider)
	return e, ok
}

// AsVision returns the vision view of p when it has one.
func AsVision(p Provider) (VisionProvider, bool) {
	v, ok := p.(VisionProvider)
	return v, ok
}

// --- Name normalization ---

// NormalizeName canonicalizes a provider or model name for routing and
// metrics: NFKC fold, lowercase, non-alphanumeric runs collapsed to a single
// hyphen, leading/trailing hyphens trimmed. Empty input yields a generated
// llm-provider-<rand> identifier. Raw names stay untouched in API payloads.
func NormalizeName(name string) string {
	folded := norm.NFKC.String(name)

	var b strings.Builder
	b.Grow(len(folded))
	lastHyphen := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) && r < 128 {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen && b.Len() > 0 {
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if out == "" {
		return fmt.Sprintf("llm-provider-%04x", rand.IntN(1<<16))
	}
	return out
}

// --- Embedding helpers ---

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty, zero-length, or the dimensions differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FindMostSimilar returns the index and score of the candidate closest to
// query by cosine similarity. Returns (-1, 0) when candidates is empty.
func FindMostSimilar(query []float64, candidates [][]float64) (int, float64) {
	best, bestScore := -1, math.Inf(-1)
	for i, c := range candidates {
		if s := Cosine(query, c); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best == -1 {
		return -1, 0
	}
	return best, bestScore
}
