package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	openai "github.com/sashabaranov/go-openai"
)

// Provider maps texts to vectors for a model. Implementations must return one
// vector per input, in input order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, texts []string, model string) ([][]float32, error)

// EmbedBatch calls f.
func (f ProviderFunc) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return f(ctx, texts, model)
}

// OpenAIProvider embeds through the OpenAI embeddings API or any compatible
// endpoint (Ollama, vLLM, LiteLLM).
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider. If apiKey is empty, OPENAI_API_KEY is
// used. An empty baseURL targets api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// EmbedBatch implements Provider.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && isPermanentStatus(apiErr.HTTPStatusCode) {
			return nil, &PermanentError{Cause: fmt.Errorf("openai embed: %w", err)}
		}
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	result := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(result) {
			idx = i
		}
		result[idx] = d.Embedding
	}
	return result, nil
}

// isPermanentStatus reports whether retrying the request cannot help.
func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// HashingProvider is a deterministic local embedder based on the hashing
// trick over lower-cased word tokens. It needs no network and keeps similar
// wording close in cosine space, which is enough for offline use and tests.
type HashingProvider struct {
	Dimension int
}

// NewHashingProvider creates a hashing provider producing vectors of dim
// components.
func NewHashingProvider(dim int) *HashingProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashingProvider{Dimension: dim}
}

// EmbedBatch implements Provider.
func (p *HashingProvider) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embed(text)
	}
	return out, nil
}

func (p *HashingProvider) embed(text string) []float32 {
	vec := make([]float32, p.Dimension)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		idx := h % uint64(p.Dimension)
		if h&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
