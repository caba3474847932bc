// Package embed generates vector embeddings for graph nodes.
//
// Two providers are supported:
//   - Ollama: local open-source models (mxbai-embed-large, nomic-embed-text)
//   - OpenAI: cloud API (text-embedding-3-small, text-embedding-3-large)
//
// A node's embedding is computed from its textual fields (title, description,
// properties) so that semantically related nodes end up close together in
// vector space. The graph layer normalizes vectors before indexing them, so
// providers only need to return raw embeddings of a consistent dimension.
//
// Example:
//
//	embedder, err := embed.New(embed.DefaultOllamaConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	vec, err := embedder.Embed(ctx, embed.NodeText(node.Title, node.Description, node.Props))
//	if err != nil {
//		return err
//	}
//	fmt.Printf("%d dimensions\n", len(vec))
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Embedder generates vector embeddings from text.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must return vectors of exactly Dimensions() entries.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one per input,
	// in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimension.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config holds embedding provider settings.
type Config struct {
	Provider   string        // ollama or openai
	BaseURL    string        // e.g. http://localhost:11434
	Path       string        // e.g. /api/embeddings or /v1/embeddings
	APIKey     string        // required for openai
	Model      string        // e.g. mxbai-embed-large
	Dimensions int           // expected vector size, responses are validated against it
	Timeout    time.Duration // per-request HTTP timeout
}

// DefaultOllamaConfig returns settings for a local Ollama daemon running
// mxbai-embed-large (1024 dimensions).
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   ProviderOllama,
		BaseURL:    "http://localhost:11434",
		Path:       "/api/embeddings",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultOpenAIConfig returns settings for OpenAI's text-embedding-3-small
// (1536 dimensions).
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   ProviderOpenAI,
		BaseURL:    "https://api.openai.com",
		Path:       "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// New creates an embedder for the provider named in config.
//
// Returns an error for an unknown provider or an OpenAI config without an
// API key.
func New(config *Config) (Embedder, error) {
	if config == nil {
		return nil, fmt.Errorf("embed config is nil")
	}
	switch config.Provider {
	case ProviderOllama:
		return NewOllama(config), nil
	case ProviderOpenAI:
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAI(config), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
}

// NodeText composes the text an embedding is generated from.
//
// Title and description carry most of the signal; string-valued properties
// are appended in sorted key order so the output is deterministic for a
// given node. Re-embedding an unchanged node therefore always produces the
// same input text, which keeps embedding caches effective.
func NodeText(title, description string, props map[string]any) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
	}
	if description != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(description)
	}

	keys := make([]string, 0, len(props))
	for k, v := range props {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(props[k].(string))
	}
	return b.String()
}

// checkDimensions validates a provider response against the configured
// vector size. A zero configured size disables the check.
func checkDimensions(config *Config, vec []float32) error {
	if config.Dimensions > 0 && len(vec) != config.Dimensions {
		return fmt.Errorf("model %s returned %d dimensions, expected %d",
			config.Model, len(vec), config.Dimensions)
	}
	return nil
}

// OllamaEmbedder implements Embedder against a local Ollama daemon.
//
// Safe for concurrent use.
type OllamaEmbedder struct {
	config *Config
	client *http.Client
}

// NewOllama creates an Ollama embedder. A nil config uses
// DefaultOllamaConfig().
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	return &OllamaEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+e.config.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(msg))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := checkDimensions(e.config, out.Embedding); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts.
//
// Ollama's embeddings endpoint takes one prompt per call, so this issues
// sequential requests and fails on the first error.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OllamaEmbedder) Dimensions() int { return e.config.Dimensions }

// Model returns the model name.
func (e *OllamaEmbedder) Model() string { return e.config.Model }

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API.
//
// Safe for concurrent use.
type OpenAIEmbedder struct {
	config *Config
	client *http.Client
}

// NewOpenAI creates an OpenAI embedder. A nil config uses
// DefaultOpenAIConfig("") and will fail at request time without a key.
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	return &OpenAIEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("openai returned no embedding")
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for up to 2048 texts in one API call.
// Responses arrive with an index field, results are reordered to match the
// input.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+e.config.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai returned %d: %s", resp.StatusCode, string(msg))
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	results := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(results) {
			return nil, fmt.Errorf("openai returned out-of-range index %d", d.Index)
		}
		if err := checkDimensions(e.config, d.Embedding); err != nil {
			return nil, err
		}
		results[d.Index] = d.Embedding
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string { return e.config.Model }
