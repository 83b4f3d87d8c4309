package ai

import (
	"context"
	"iter"
)

// JSONGenerator asks the model for a single JSON object and returns it raw.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamGenerator yields content fragments as the model produces them.
// The sequence ends after the first non-nil error.
type StreamGenerator interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string) iter.Seq2[string, error]
}

// ChatModel is what the receipt pipeline and query flow need from a provider.
type ChatModel interface {
	JSONGenerator
	StreamGenerator
}
