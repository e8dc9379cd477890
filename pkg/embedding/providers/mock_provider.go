package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	pkgerrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// MockProvider implements Provider for testing. Vectors are a
// deterministic function of (text, model) so repeated calls agree.
type MockProvider struct {
	mu             sync.RWMutex
	name           string
	models         map[string]ModelInfo
	latency        time.Duration
	embedErr       error
	failEveryNth   int
	credentialErr  error
	embedCalls     []EmbedRequest
	requestCount   int
}

// MockProviderOption configures a MockProvider
type MockProviderOption func(*MockProvider)

// WithLatency sets the simulated latency
func WithLatency(latency time.Duration) MockProviderOption {
	return func(m *MockProvider) { m.latency = latency }
}

// WithEmbedError makes every Embed call fail with err
func WithEmbedError(err error) MockProviderOption {
	return func(m *MockProvider) { m.embedErr = err }
}

// WithFailEveryNth makes every nth Embed call fail with a transient error
func WithFailEveryNth(n int) MockProviderOption {
	return func(m *MockProvider) { m.failEveryNth = n }
}

// WithCredentialError makes ValidateCredential fail with err
func WithCredentialError(err error) MockProviderOption {
	return func(m *MockProvider) { m.credentialErr = err }
}

// WithModel registers an additional model on the mock
func WithModel(info ModelInfo) MockProviderOption {
	return func(m *MockProvider) { m.models[info.Name] = info }
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	m := &MockProvider{
		name: name,
		models: map[string]ModelInfo{
			"mock-small": {Name: "mock-small", Provider: name, Dimensions: 768, MaxTokens: 8192, MaxBatch: 100, IsActive: true},
			"mock-large": {Name: "mock-large", Provider: name, Dimensions: 1024, MaxTokens: 8192, MaxBatch: 100, IsActive: true},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the provider tag
func (m *MockProvider) Name() string { return m.name }

// RequiresCredential reports false; the mock accepts any key
func (m *MockProvider) RequiresCredential() bool { return false }

// Embed returns deterministic vectors derived from each text
func (m *MockProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	m.mu.Lock()
	m.embedCalls = append(m.embedCalls, req)
	m.requestCount++
	count := m.requestCount
	m.mu.Unlock()

	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	if m.failEveryNth > 0 && count%m.failEveryNth == 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeProviderTransient, pkgerrors.ClassTransient, "mock transient failure")
	}

	info, ok := m.models[req.Model]
	if !ok {
		return nil, unknownModelError(m.name, req.Model)
	}

	embeddings := make([][]float32, len(req.Texts))
	for i, text := range req.Texts {
		embeddings[i] = deterministicVector(text, req.Model, info.Dimensions)
	}
	return &EmbedResponse{
		Embeddings: embeddings,
		Model:      req.Model,
		Dimensions: info.Dimensions,
		TokensUsed: len(req.Texts),
	}, nil
}

// ValidateCredential returns the configured credential error, if any
func (m *MockProvider) ValidateCredential(ctx context.Context, credential string) error {
	return m.credentialErr
}

// ListModels returns the registered mock models
func (m *MockProvider) ListModels() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModelInfo, 0, len(m.models))
	for _, info := range m.models {
		out = append(out, info)
	}
	return out
}

// Dimension returns the vector dimension for a model
func (m *MockProvider) Dimension(model string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.models[model]; ok {
		return info.Dimensions, nil
	}
	return 0, unknownModelError(m.name, model)
}

// Close is a no-op
func (m *MockProvider) Close() error { return nil }

// EmbedCalls returns a copy of the recorded Embed requests
func (m *MockProvider) EmbedCalls() []EmbedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EmbedRequest, len(m.embedCalls))
	copy(out, m.embedCalls)
	return out
}

// deterministicVector derives a unit-scale vector from a SHA-256 of the
// text and model.
func deterministicVector(text, model string, dimensions int) []float32 {
	seed := sha256.Sum256([]byte(text + "|" + model))
	vec := make([]float32, dimensions)
	for i := range vec {
		chunk := seed[(i*4)%28 : (i*4)%28+4]
		vec[i] = float32(binary.BigEndian.Uint32(chunk)%1000) / 1000.0
	}
	return vec
}
