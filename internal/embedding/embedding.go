// Package embedding provides vector embedding generation for sentiment
// classification and semantic indexing.
//
// Defines a Provider interface with Ollama, OpenAI, and noop
// implementations. The interface allows swapping embedding providers
// without changing consumers.
package embedding

import (
	"context"
	"errors"

	"github.com/pgvector/pgvector-go"
)

// ErrUnavailable wraps any provider failure. Consumers treat it as a
// degradation signal (fall back to neutral sentiment), never as fatal.
var ErrUnavailable = errors.New("embedding: provider unavailable")

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// Settings selects and configures a provider.
type Settings struct {
	Provider     string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey string
	Model        string // OpenAI model name
	OllamaURL    string
	OllamaModel  string
	Dimensions   int
}

// NewFromSettings constructs a provider. "auto" prefers OpenAI when an API
// key is present, then Ollama, then noop.
func NewFromSettings(s Settings) Provider {
	switch s.Provider {
	case "openai":
		return NewOpenAIProvider(s.OpenAIAPIKey, s.Model, s.Dimensions)
	case "ollama":
		return NewOllamaProvider(s.OllamaURL, s.OllamaModel, s.Dimensions)
	case "noop":
		return NewNoopProvider(s.Dimensions)
	default: // "auto"
		if s.OpenAIAPIKey != "" {
			return NewOpenAIProvider(s.OpenAIAPIKey, s.Model, s.Dimensions)
		}
		if s.OllamaURL != "" {
			return NewOllamaProvider(s.OllamaURL, s.OllamaModel, s.Dimensions)
		}
		return NewNoopProvider(s.Dimensions)
	}
}

// NoopProvider returns zero vectors. Used when no provider is configured.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
