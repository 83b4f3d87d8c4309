// Package tokenizer counts model tokens for prompt budgeting.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the GPT-2 compatible byte-pair encoding.
const DefaultEncoding = "r50k_base"

// Counter returns the token count of text.
type Counter interface {
	Count(text string) int
}

var loaderOnce sync.Once

// Tiktoken counts tokens with an embedded (offline) BPE table.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// New loads the named encoding; an empty name selects DefaultEncoding.
func New(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }
