package app

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"receiptscanner/internal/util"
	"receiptscanner/pkg/ai"
)

const (
	queryRetries = 3

	answerInstruction = "You answer questions about the receipts provided. Responses preferred in markdown format. contentType is in reference to the response content encoding, prefer markdown."
	streamInstruction = "You answer questions about the receipts provided. Responses should be in markdown format."

	answerSchemaDescription = `{
    response: string;
    contentType: "text/plain" | "text/markdown" | "text/html";
}`

	streamContentType = "text/markdown"
)

// Answer is a complete response to a receipt question.
type Answer struct {
	Response    string `json:"response"`
	ContentType string `json:"contentType"`
}

var answerContentTypes = []string{"text/plain", "text/markdown", "text/html"}

// AnswerContentTypes lists the content types an Answer may carry.
func AnswerContentTypes() []string {
	return slices.Clone(answerContentTypes)
}

func parseAnswer(raw string) (Answer, error) {
	var ans Answer
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		return Answer{}, fmt.Errorf("parse answer: %w", err)
	}
	if !slices.Contains(answerContentTypes, ans.ContentType) {
		return Answer{}, fmt.Errorf("answer content type %q not allowed", ans.ContentType)
	}
	return ans, nil
}

// buildQueryPrompt embeds the question, searches receipts and assembles
// the token-bounded prompt.
func (a *App) buildQueryPrompt(ctx context.Context, question string) (string, error) {
	vector, err := a.embedder.EmbedText(ctx, question, ai.TaskRetrievalQuery)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	results, err := a.store.SearchReceipts(ctx, vector, a.searchLimit)
	if err != nil {
		return "", fmt.Errorf("search receipts: %w", err)
	}
	prompt, included := assemblePrompt(question, results, a.tokens, a.tokenBudget)
	util.LoggerFromContext(ctx).Debug("query prompt assembled", "candidates", len(results), "included", included)
	return prompt, nil
}

// Answer responds to question in one structured completion, retried when
// the model output does not parse.
func (a *App) Answer(ctx context.Context, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrQueryRequired
	}
	prompt, err := a.buildQueryPrompt(ctx, question)
	if err != nil {
		return Answer{}, err
	}
	system := jsonSystemPrompt(answerInstruction, answerSchemaDescription)
	ans, err := retry(ctx, "query", immediateRetries(queryRetries), func() (Answer, error) {
		raw, err := a.model.GenerateJSON(ctx, system, prompt)
		if err != nil {
			return Answer{}, fmt.Errorf("generate answer: %w", err)
		}
		return parseAnswer(raw)
	})
	if err != nil {
		return Answer{}, fmt.Errorf("execute query: %w", err)
	}
	return ans, nil
}

// QueryStream streams the answer to question. It yields two processing
// events, an empty processing event when the model starts responding,
// one delta per fragment, then done. A failing model ends the sequence
// with its error; nothing is retried.
func (a *App) QueryStream(ctx context.Context, question string) iter.Seq2[QueryEvent, error] {
	return func(yield func(QueryEvent, error) bool) {
		question = strings.TrimSpace(question)
		if question == "" {
			yield(QueryEvent{}, ErrQueryRequired)
			return
		}
		if !yield(QueryEvent{Type: EventProcessing, Message: "Generating query message..."}, nil) {
			return
		}
		prompt, err := a.buildQueryPrompt(ctx, question)
		if err != nil {
			yield(QueryEvent{}, err)
			return
		}
		if !yield(QueryEvent{Type: EventProcessing, Message: "Executing query..."}, nil) {
			return
		}

		first := true
		for fragment, err := range a.model.StreamText(ctx, streamInstruction, prompt) {
			if err != nil {
				yield(QueryEvent{}, fmt.Errorf("stream answer: %w", err))
				return
			}
			if first {
				first = false
				if !yield(QueryEvent{Type: EventProcessing}, nil) {
					return
				}
			}
			if fragment == "" {
				continue
			}
			if !yield(QueryEvent{Type: EventDelta, Delta: fragment, ContentType: streamContentType}, nil) {
				return
			}
		}
		yield(QueryEvent{Type: EventDone}, nil)
	}
}
