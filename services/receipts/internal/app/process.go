package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"receiptscanner/internal/util"
	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/flatten"
	"receiptscanner/pkg/hasher"
	"receiptscanner/pkg/store"
)

// Document is one uploaded file.
type Document struct {
	Name string
	Data []byte
}

// Process runs the pipeline to completion and returns the stored entry.
func (a *App) Process(ctx context.Context, doc Document) (domain.ReceiptEntry, error) {
	for ev, err := range a.ProcessStream(ctx, doc) {
		if err != nil {
			return domain.ReceiptEntry{}, err
		}
		if ev.Type == EventData && ev.Data != nil {
			return ev.Data.Entry, nil
		}
	}
	return domain.ReceiptEntry{}, errors.New("pipeline ended without a result")
}

// ProcessStream returns the pipeline as a lazy event sequence. A stage only
// starts once the consumer has taken the event announcing it. The sequence
// yields processing events, then one data event, or stops at the first error.
// It can be ranged over once.
func (a *App) ProcessStream(ctx context.Context, doc Document) iter.Seq2[ProcessEvent, error] {
	var started atomic.Bool
	return func(yield func(ProcessEvent, error) bool) {
		if !started.CompareAndSwap(false, true) {
			yield(ProcessEvent{}, errStreamConsumed)
			return
		}
		if len(doc.Data) == 0 {
			yield(ProcessEvent{}, ErrDocumentRequired)
			return
		}
		entry, err := a.runPipeline(ctx, doc, func(msg string) bool {
			return yield(processing(msg), nil)
		})
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			yield(ProcessEvent{}, err)
			return
		}
		yield(ProcessEvent{Type: EventData, Data: &ProcessData{Entry: entry}}, nil)
	}
}

var errStopped = errors.New("consumer stopped")

func (a *App) runPipeline(ctx context.Context, doc Document, progress func(string) bool) (domain.ReceiptEntry, error) {
	hash := hasher.Sum(doc.Data)
	logger := util.LoggerFromContext(ctx).With("hash", hash)
	ctx = util.ContextWithLogger(ctx, logger)
	logger.Debug("processing document", "name", doc.Name, "bytes", len(doc.Data))

	if !progress("Analyzing...") {
		return domain.ReceiptEntry{}, errStopped
	}
	text, err := a.extractText(ctx, hash, doc.Data)
	if err != nil {
		return domain.ReceiptEntry{}, fmt.Errorf("extract text: %w", err)
	}
	logger.Debug("document analyzed", "chars", len(text))

	if !progress("Translating...") {
		return domain.ReceiptEntry{}, errStopped
	}
	tr, err := a.translateText(ctx, text)
	if err != nil {
		return domain.ReceiptEntry{}, err
	}
	logger.Debug("document translated", "source", tr.SourceLanguage, "target", tr.TargetLanguage)

	if !progress("Summarizing...") {
		return domain.ReceiptEntry{}, errStopped
	}
	receipt, err := a.summarize(ctx, tr.Text)
	if err != nil {
		return domain.ReceiptEntry{}, err
	}
	summary := flatten.Flatten(receipt)

	if !progress("Generating embeddings...") {
		return domain.ReceiptEntry{}, errStopped
	}
	vectors, err := a.embedAll(ctx, []embeddingSource{
		{Name: string(domain.EmbeddingSource), Text: text},
		{Name: string(domain.EmbeddingTranslation), Text: tr.Text},
		{Name: string(domain.EmbeddingSummary), Text: summary},
	})
	if err != nil {
		return domain.ReceiptEntry{}, err
	}

	now := a.now().UTC()
	entry := domain.ReceiptEntry{
		ID:            util.NameID(hash),
		DocumentHash:  hash,
		LanguageCodes: []string{tr.SourceLanguage, tr.TargetLanguage},
		Receipt:       receipt,
		UpdatedAt:     now,
	}
	// Rows sharing a language code overwrite each other in this order.
	rows := []domain.ReceiptEmbedding{
		embeddingRow(hash, tr.SourceLanguage, domain.EmbeddingSource, text, vectors[0]),
		embeddingRow(hash, tr.TargetLanguage, domain.EmbeddingTranslation, tr.Text, vectors[1]),
		embeddingRow(hash, tr.TargetLanguage, domain.EmbeddingSummary, summary, vectors[2]),
	}

	if !progress("Storing...") {
		return domain.ReceiptEntry{}, errStopped
	}
	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertReceipt(ctx, entry); err != nil {
			return err
		}
		for _, row := range rows {
			if err := tx.UpsertEmbedding(ctx, row); err != nil {
				return err
			}
		}
		if doc.Name != "" {
			return tx.SaveDocumentName(ctx, domain.DocumentName{DocumentHash: hash, Name: doc.Name})
		}
		return nil
	})
	if err != nil {
		return domain.ReceiptEntry{}, fmt.Errorf("store receipt: %w", err)
	}
	logger.Info("receipt stored", "languages", entry.LanguageCodes, "store", receipt.StoreName)

	if err := a.publisher.PublishProcessed(ctx, entry); err != nil {
		logger.Warn("publish processed receipt failed", "err", err)
	}
	return entry, nil
}

func embeddingRow(hash, lang string, typ domain.EmbeddingType, text string, vec []float32) domain.ReceiptEmbedding {
	return domain.ReceiptEmbedding{
		ID:           util.NameID(hash, lang),
		DocumentHash: hash,
		LanguageCode: lang,
		Type:         typ,
		Text:         text,
		Embedding:    vec,
	}
}
