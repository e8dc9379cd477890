package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

const (
	openAIName         = "openai"
	openAIDefaultURL   = "https://api.openai.com/v1"
	openAIMaxBatchSize = 2048
)

var openAIModels = []ModelInfo{
	{Name: "text-embedding-3-small", Provider: openAIName, Dimensions: 1536, MaxTokens: 8191, MaxBatch: openAIMaxBatchSize, IsActive: true},
	{Name: "text-embedding-3-large", Provider: openAIName, Dimensions: 3072, MaxTokens: 8191, MaxBatch: openAIMaxBatchSize, IsActive: true},
	{Name: "text-embedding-ada-002", Provider: openAIName, Dimensions: 1536, MaxTokens: 8191, MaxBatch: openAIMaxBatchSize, IsActive: true},
}

// OpenAIProvider implements Provider for the OpenAI embeddings API
type OpenAIProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: openAIDefaultURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewOpenAIProviderWithBaseURL creates a provider against a custom endpoint
func NewOpenAIProviderWithBaseURL(baseURL string) *OpenAIProvider {
	p := NewOpenAIProvider()
	p.baseURL = baseURL
	return p
}

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Name returns the provider tag
func (p *OpenAIProvider) Name() string { return openAIName }

// RequiresCredential reports that OpenAI always needs an API key
func (p *OpenAIProvider) RequiresCredential() bool { return true }

// Embed generates embeddings, splitting oversized batches while
// preserving input order.
func (p *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	if len(req.Texts) == 0 {
		return &EmbedResponse{Embeddings: [][]float32{}, Model: req.Model}, nil
	}
	if req.Credential == "" {
		return nil, pkgerrors.AuthFailure("openai credential is required")
	}
	if _, err := p.Dimension(req.Model); err != nil {
		return nil, err
	}

	start := time.Now()
	all := make([][]float32, 0, len(req.Texts))
	tokens := 0

	for offset := 0; offset < len(req.Texts); offset += openAIMaxBatchSize {
		end := offset + openAIMaxBatchSize
		if end > len(req.Texts) {
			end = len(req.Texts)
		}
		resp, err := p.embedBatch(ctx, req.Texts[offset:end], req.Model, req.Credential)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Embeddings...)
		tokens += resp.TokensUsed
	}

	dims := 0
	if len(all) > 0 {
		dims = len(all[0])
	}
	return &EmbedResponse{
		Embeddings: all,
		Model:      req.Model,
		Dimensions: dims,
		TokensUsed: tokens,
		LatencyMs:  latencySince(start),
	}, nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string, model, credential string) (*EmbedResponse, error) {
	body, err := json.Marshal(openAIRequest{Input: texts, Model: model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeTimeout, pkgerrors.ClassTimeout)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeProviderTransient, pkgerrors.ClassTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatusError(openAIName, resp.StatusCode, string(respBody))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	// The API documents index-ordered data; place by index to be safe.
	embeddings := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}

	return &EmbedResponse{
		Embeddings: embeddings,
		Model:      parsed.Model,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

// ValidateCredential lists models as a cheap authenticated probe
func (p *OpenAIProvider) ValidateCredential(ctx context.Context, credential string) error {
	if credential == "" {
		return pkgerrors.AuthFailure("openai credential is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeTimeout, pkgerrors.ClassTimeout)
		}
		return pkgerrors.Wrap(err, pkgerrors.CodeProviderTransient, pkgerrors.ClassTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return mapStatusError(openAIName, resp.StatusCode, "")
	}
	return nil
}

// ListModels returns the supported OpenAI embedding models
func (p *OpenAIProvider) ListModels() []ModelInfo {
	out := make([]ModelInfo, len(openAIModels))
	copy(out, openAIModels)
	return out
}

// Dimension returns the vector dimension for a model
func (p *OpenAIProvider) Dimension(model string) (int, error) {
	for _, m := range openAIModels {
		if m.Name == model {
			return m.Dimensions, nil
		}
	}
	return 0, unknownModelError(openAIName, model)
}

// Close releases the HTTP client's idle connections
func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
