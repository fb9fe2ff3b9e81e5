// Package ollama provides text generation and embedding clients for the
// Ollama HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client generates text replies through /api/generate.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// New constructs a generation client for the given Ollama base URL.
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate produces a text reply for a prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	out, err := c.post(ctx, c.baseURL+"/api/generate", payload)
	if err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return strings.TrimSpace(resp.Response), nil
}

// Embedder produces embedding vectors through /api/embeddings.
type Embedder struct {
	client *Client
}

// NewEmbedder constructs an embedding client for the given Ollama base URL.
func NewEmbedder(baseURL, model string) *Embedder {
	return &Embedder{client: New(baseURL, model)}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed converts text into an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.client.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	out, err := e.client.post(ctx, e.client.baseURL+"/api/embeddings", payload)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, data)
	}
	return data, nil
}
