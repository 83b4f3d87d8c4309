package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAICompatClient talks to any OpenAI-compatible /v1 API.
// Works with OpenAI, vLLM, LiteLLM, LocalAI, OpenRouter and similar gateways.
type OpenAICompatClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
}

// NewOpenAICompatClient builds a client. baseURL should include the /v1 prefix.
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatClient(baseURL, apiKey string) *OpenAICompatClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAICompatClient{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(apiKey),
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		streamClient: &http.Client{},
	}
}

func (c *OpenAICompatClient) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *OpenAICompatClient) doJSON(ctx context.Context, path string, payload, out any) error {
	req, err := c.newRequest(ctx, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkOAIStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai-compat decode: %w", err)
	}
	return nil
}

func checkOAIStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var errResp oaiErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	msg := errResp.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Provider: "openai-compat", Status: resp.StatusCode, Message: msg}
}

// OpenAICompatGenerator calls the /chat/completions endpoint with a fixed model.
type OpenAICompatGenerator struct {
	client *OpenAICompatClient
	model  string
}

// NewOpenAICompatGenerator builds an OpenAI-compatible generator.
func NewOpenAICompatGenerator(client *OpenAICompatClient, model string) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{client: client, model: strings.TrimSpace(model)}
}

// GenerateJSON requests response_format json_object.
func (g *OpenAICompatGenerator) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody, err := g.request(systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	reqBody.ResponseFormat = &oaiResponseFormat{Type: "json_object"}

	var chatResp oaiChatResponse
	if err := g.client.doJSON(ctx, "/chat/completions", reqBody, &chatResp); err != nil {
		return "", err
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return text, nil
}

// StreamText reads server-sent events until the [DONE] sentinel.
func (g *OpenAICompatGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reqBody, err := g.request(systemPrompt, userPrompt)
		if err != nil {
			yield("", err)
			return
		}
		reqBody.Stream = true
		req, err := g.client.newRequest(ctx, "/chat/completions", reqBody)
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := g.client.streamClient.Do(req)
		if err != nil {
			yield("", fmt.Errorf("openai-compat request: %w", err))
			return
		}
		defer resp.Body.Close()
		if err := checkOAIStatus(resp); err != nil {
			yield("", err)
			return
		}

		for data, err := range sseData(resp.Body) {
			if err != nil {
				yield("", fmt.Errorf("openai-compat stream: %w", err))
				return
			}
			if data == "[DONE]" {
				return
			}
			var chunk oaiStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("openai-compat stream chunk: %w", err))
				return
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				yield("", fmt.Errorf("openai-compat api error: %s", chunk.Error.Message))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
	}
}

func (g *OpenAICompatGenerator) request(systemPrompt, userPrompt string) (oaiChatRequest, error) {
	if g.model == "" {
		return oaiChatRequest{}, fmt.Errorf("openai-compat generation model required")
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: userPrompt})
	return oaiChatRequest{Model: g.model, Messages: messages}, nil
}

// sseData yields the payload of each "data:" line.
func sseData(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			if !yield(strings.TrimSpace(data), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

// OpenAICompatEmbedder calls the /embeddings endpoint.
type OpenAICompatEmbedder struct {
	client     *OpenAICompatClient
	model      string
	dimensions int
}

// NewOpenAICompatEmbedder builds an embedder. dimensions of zero lets the model decide.
func NewOpenAICompatEmbedder(client *OpenAICompatClient, model string, dimensions int) *OpenAICompatEmbedder {
	return &OpenAICompatEmbedder{client: client, model: strings.TrimSpace(model), dimensions: dimensions}
}

func (e *OpenAICompatEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding text required")
	}
	out, err := e.EmbedTexts(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedTexts returns embeddings in input order regardless of response order.
func (e *OpenAICompatEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if e.model == "" {
		return nil, fmt.Errorf("openai-compat embedding model required")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	reqBody := oaiEmbedRequest{Model: e.model, Input: texts}
	if e.dimensions > 0 {
		reqBody.Dimensions = e.dimensions
	}
	var resp oaiEmbedResponse
	if err := e.client.doJSON(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai-compat embed returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponseFormat struct {
	Type string `json:"type"`
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	Stream         bool               `json:"stream,omitempty"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type oaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
