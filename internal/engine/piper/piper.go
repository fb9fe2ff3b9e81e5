// Package piper provides a text-to-speech client for a Piper HTTP server.
// The server accepts a url-encoded form with a "text" field and streams WAV
// bytes back.
package piper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client posts text to a Piper TTS endpoint.
type Client struct {
	endpoint string
	client   *http.Client
}

// New constructs a Piper client for the given endpoint.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

// Synthesize converts text into WAV audio bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	form := url.Values{}
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to piper tts: %w", err)
	}
	defer resp.Body.Close()

	// The server writes chunked WAV; read fully before returning.
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("piper tts returned status %d", resp.StatusCode)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("piper tts returned no audio")
	}
	return audio, nil
}
