package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"receiptscanner/internal/util"
	"receiptscanner/pkg/ai"
)

type embeddingSource struct {
	Name string
	Text string
}

// embedAll embeds every source concurrently and waits for all of them.
// Any failure discards the whole batch; the lowest failing index is reported.
func (a *App) embedAll(ctx context.Context, sources []embeddingSource) ([][]float32, error) {
	vectors := make([][]float32, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			vectors[i], errs[i] = a.embedder.EmbedText(ctx, src.Text, ai.TaskRetrievalDocument)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			util.LoggerFromContext(ctx).Error("failed to create embeddings", "source", sources[i].Name, "index", i, "err", err)
			return nil, &EmbeddingError{Index: i, Source: sources[i].Name, Err: err}
		}
	}
	return vectors, nil
}
