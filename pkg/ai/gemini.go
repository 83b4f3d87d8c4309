package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient wraps the Google AI Studio (Gemini) SDK client.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient constructs a client with the provided API key.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Close releases the underlying gRPC connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// EmbedText generates an embedding for the input text.
func (c *GeminiClient) EmbedText(ctx context.Context, model, text, taskType string) ([]float32, error) {
	em := c.embeddingModel(model, taskType)
	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini embed response missing embedding")
	}
	return resp.Embedding.Values, nil
}

// A fresh EmbeddingModel per call keeps TaskType from leaking between goroutines.
func (c *GeminiClient) embeddingModel(model, taskType string) *genai.EmbeddingModel {
	em := c.client.EmbeddingModel(normalizeModel(model))
	switch taskType {
	case TaskRetrievalQuery:
		em.TaskType = genai.TaskTypeRetrievalQuery
	case TaskRetrievalDocument:
		em.TaskType = genai.TaskTypeRetrievalDocument
	}
	return em
}

func (c *GeminiClient) generativeModel(model, systemPrompt string, jsonMode bool) *genai.GenerativeModel {
	gm := c.client.GenerativeModel(normalizeModel(model))
	if strings.TrimSpace(systemPrompt) != "" {
		gm.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}
	if jsonMode {
		gm.ResponseMIMEType = "application/json"
	}
	return gm
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based ChatModel.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model}
}

// GenerateJSON sets the response MIME type to application/json.
func (g *GeminiGenerator) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	gm := g.client.generativeModel(g.model, systemPrompt, true)
	resp, err := gm.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return text, nil
}

// StreamText yields each streamed candidate's text.
func (g *GeminiGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		gm := g.client.generativeModel(g.model, systemPrompt, false)
		it := gm.GenerateContentStream(ctx, genai.Text(userPrompt))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			if text := responseText(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// GeminiEmbedder binds a GeminiClient to one embedding model.
type GeminiEmbedder struct {
	client *GeminiClient
	model  string
}

// NewGeminiEmbedder builds a Gemini-based embedder.
func NewGeminiEmbedder(client *GeminiClient, model string) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model}
}

func (e *GeminiEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	return e.client.EmbedText(ctx, e.model, text, taskType)
}
