// Package whisper provides a speech-to-text client for a whisper.cpp style
// HTTP inference server. The server accepts a multipart "file" field and
// returns JSON {"text":"..."}.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// Client posts audio to a whisper inference endpoint.
type Client struct {
	endpoint string
	client   *http.Client
}

// New constructs a whisper client for the given endpoint.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		// Timeouts are applied per-invocation through the request context.
		client: &http.Client{},
	}
}

type inferenceResponse struct {
	Text string `json:"text"`
}

// Transcribe converts audio bytes into text.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio to form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to whisper server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("whisper server returned status %d: %s", resp.StatusCode, data)
	}

	var out inferenceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return out.Text, nil
}
