package ai

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

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// APIError is a non-2xx reply from a model provider.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.Status, e.Message)
}

// OllamaClient calls the Ollama HTTP API. Unary calls are bounded by a
// timeout; streamed chat replies rely on the request context alone.
type OllamaClient struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

func NewOllamaClient(baseURL string) *OllamaClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		streamClient: &http.Client{},
	}
}

// doJSON posts payload and decodes the reply into out.
func (c *OllamaClient) doJSON(ctx context.Context, path string, payload, out any) error {
	body, err := c.post(ctx, c.httpClient, path, payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama %s: %w", path, err)
	}
	return nil
}

// openStream posts payload and returns the NDJSON reply body.
func (c *OllamaClient) openStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	return c.post(ctx, c.streamClient, path, payload)
}

func (c *OllamaClient) post(ctx context.Context, hc *http.Client, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Message: msg}
	}
	return resp.Body, nil
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
