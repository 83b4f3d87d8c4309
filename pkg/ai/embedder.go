package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Task types understood by providers that distinguish stored documents from queries.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// Embedder turns text into a vector for the receipt index.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// OllamaEmbedder embeds with a fixed Ollama model. Ollama has no task
// types, so taskType is ignored.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int
}

func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

func (e *OllamaEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embedding text required")
	}
	vecs, err := e.EmbedTexts(ctx, []string{text}, taskType)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusMethodNotAllowed) {
		// Servers older than /api/embed only know /api/embeddings.
		return e.embedLegacy(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if e.model == "" {
		return nil, errors.New("ollama embedding model required")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	req := ollamaEmbedRequest{Model: e.model, Input: texts, Dimensions: e.dimensions}
	if err := e.client.doJSON(ctx, "/api/embed", req, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (e *OllamaEmbedder) embedLegacy(ctx context.Context, text string) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	req := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: e.model, Prompt: text}
	if err := e.client.doJSON(ctx, "/api/embeddings", req, &resp); err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("ollama embedding response missing embedding")
	}
	return resp.Embedding, nil
}

type ollamaEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}
