// Package memory – embedder.go defines the embedding collaborator used for
// semantic search. The encoder distinguishes query-side and document-side
// text with E5-style prefixes; skipping the prefix roughly halves recall
// with this model family, so the prefix is part of the contract.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Textual prefixes applied before encoding. The embedding model is trained
// asymmetrically: queries and passages live in different regions of the
// vector space.
const (
	QueryPrefix   = "query: "
	PassagePrefix = "passage: "
)

// Embedder generates dense vectors from text. Implementations must return
// one vector per input text, in input order. A model that cannot serve the
// request reports an error wrapping ErrUnavailable so callers can degrade
// to lexical-only search.
type Embedder interface {
	Encode(ctx context.Context, texts []string, prefix string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// EmbedderConfig configures the HTTP embedding provider.
type EmbedderConfig struct {
	// BaseURL is the OpenAI-compatible API root (e.g. a local
	// text-embeddings-inference server or https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// Model is the embedding model name (e.g. "multilingual-e5-base").
	Model string `yaml:"model"`

	// Dimensions is the output dimensionality; 0 lets the server decide.
	Dimensions int `yaml:"dimensions"`

	// Timeout bounds a single encode call.
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	cfg    EmbedderConfig
	client *http.Client
}

// NewHTTPEmbedder creates the provider. The model handle is loaded once and
// shared by all calls; ownership of the HTTP client stays with the embedder.
func NewHTTPEmbedder(cfg EmbedderConfig) *HTTPEmbedder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Encode embeds a batch of texts with the given prefix applied to each.
func (e *HTTPEmbedder) Encode(ctx context.Context, texts []string, prefix string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = prefix + t
	}

	body := map[string]any{
		"model": e.cfg.Model,
		"input": input,
	}
	if e.cfg.Dimensions > 0 {
		body["dimensions"] = e.cfg.Dimensions
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed call: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("embed API status %d: %w", resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed API status %d: %s", resp.StatusCode, string(respBody))
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embed API error: %s", result.Error.Message)
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("embed API returned no vector for input %d", i)
		}
	}
	return out, nil
}

// Dimensions returns the configured output dimensionality.
func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

// Name returns the model name for log records.
func (e *HTTPEmbedder) Name() string { return e.cfg.Model }

// NullEmbedder disables semantic search: every call reports ErrUnavailable,
// which the search engine treats as permission to run lexical-only.
type NullEmbedder struct{}

func (NullEmbedder) Encode(context.Context, []string, string) ([][]float32, error) {
	return nil, ErrUnavailable
}
func (NullEmbedder) Dimensions() int { return 0 }
func (NullEmbedder) Name() string    { return "none" }
