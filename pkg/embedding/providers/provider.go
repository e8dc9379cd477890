// Package providers implements the uniform embedding API over
// heterogeneous embedding providers. Each provider preserves input
// order, splits oversized batches internally, and maps provider errors
// to the classified taxonomy.
package providers

import (
	"context"
	"time"

	pkgerrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// Provider is an embedding provider (OpenAI, Bedrock, etc.)
type Provider interface {
	// Name returns the provider tag (e.g. "openai", "bedrock")
	Name() string

	// Embed generates embeddings for the given texts. Output order
	// corresponds to input order; empty input returns empty output.
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)

	// ValidateCredential verifies the credential against the provider
	ValidateCredential(ctx context.Context, credential string) error

	// ListModels returns the models supported by this provider
	ListModels() []ModelInfo

	// Dimension returns the vector dimension for a model
	Dimension(model string) (int, error)

	// RequiresCredential reports whether calls need a credential
	RequiresCredential() bool

	// Close cleans up any resources
	Close() error
}

// EmbedRequest is a batch embedding request
type EmbedRequest struct {
	Texts      []string `json:"texts"`
	Model      string   `json:"model"`
	Credential string   `json:"-"`
}

// EmbedResponse is the result of a batch embedding call
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	TokensUsed int         `json:"tokens_used"`
	LatencyMs  int64       `json:"latency_ms"`
}

// ModelInfo describes an embedding model
type ModelInfo struct {
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	Dimensions int    `json:"dimensions"`
	MaxTokens  int    `json:"max_tokens"`
	MaxBatch   int    `json:"max_batch"`
	IsActive   bool   `json:"is_active"`
}

// Registry maps provider tags to implementations
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry from the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds a provider, replacing any existing one with the same tag
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider for a tag
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeProviderUnavailable, pkgerrors.ClassProviderUnavailable,
			"unsupported provider: %s", name)
	}
	return p, nil
}

// Names returns the registered provider tags
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Close closes every registered provider
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mapStatusError converts an HTTP status from a provider API into a
// classified error.
func mapStatusError(provider string, status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return pkgerrors.Newf(pkgerrors.CodeAuthFailure, pkgerrors.ClassAuthFailure,
			"%s rejected credential (status %d)", provider, status)
	case status == 404:
		return pkgerrors.Newf(pkgerrors.CodeProviderUnavailable, pkgerrors.ClassProviderUnavailable,
			"%s model unavailable (status %d): %s", provider, status, body)
	case status == 429:
		return pkgerrors.Newf(pkgerrors.CodeRateLimited, pkgerrors.ClassRateLimited,
			"%s rate limited", provider)
	case status >= 500:
		return pkgerrors.Newf(pkgerrors.CodeProviderTransient, pkgerrors.ClassTransient,
			"%s transient error (status %d)", provider, status)
	default:
		return pkgerrors.Newf(pkgerrors.CodeInternal, pkgerrors.ClassInternal,
			"%s error (status %d): %s", provider, status, body)
	}
}

// unknownModelError reports a model the provider does not serve
func unknownModelError(provider, model string) error {
	return pkgerrors.InvalidArgument("provider %s does not support model %s", provider, model)
}

// latencySince returns elapsed wall time in milliseconds
func latencySince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
