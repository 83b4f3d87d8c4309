package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"receiptscanner/pkg/ai"
	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/notify"
	"receiptscanner/pkg/ocr"
	"receiptscanner/pkg/queue"
	"receiptscanner/pkg/storage"
	"receiptscanner/pkg/store"
	"receiptscanner/pkg/tokenizer"
	"receiptscanner/pkg/translate"
)

const (
	defaultTargetLanguage  = "en"
	defaultSearchLimit     = 100
	defaultTokenBudget     = 128_000
	defaultOCRPoll         = 2 * time.Second
	defaultTranslationPoll = time.Second
)

// JobQueue is the background queue used for fire-and-forget uploads.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config holds the collaborators and tunables of the receipt pipeline.
// Store, Model, Embedder, OCR, Translator and Tokens are required.
type Config struct {
	Store      store.Store
	Model      ai.ChatModel
	Embedder   ai.Embedder
	OCR        ocr.Analyzer
	Translator translate.Translator
	Tokens     tokenizer.Counter

	// AsyncOCR and BatchTranslator need Objects; without them the
	// corresponding fallback tier is skipped.
	AsyncOCR        ocr.AsyncAnalyzer
	BatchTranslator translate.BatchTranslator
	Objects         storage.ObjectStore

	Queue     JobQueue
	Publisher notify.Publisher

	TargetLanguage string
	SearchLimit    int
	TokenBudget    int

	// Poll intervals of the OCR and translation jobs.
	OCRPollInterval         time.Duration
	TranslationPollInterval time.Duration

	Now func() time.Time
}

// App runs the document pipeline and the receipt query flow.
type App struct {
	store      store.Store
	model      ai.ChatModel
	embedder   ai.Embedder
	ocr        ocr.Analyzer
	asyncOCR   ocr.AsyncAnalyzer
	translator translate.Translator
	batch      translate.BatchTranslator
	objects    storage.ObjectStore
	tokens     tokenizer.Counter
	queue      JobQueue
	publisher  notify.Publisher

	targetLanguage          string
	searchLimit             int
	tokenBudget             int
	ocrPollInterval         time.Duration
	translationPollInterval time.Duration
	now                     func() time.Time
}

// New validates cfg and fills defaults.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Model == nil {
		return nil, errors.New("chat model required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	if cfg.OCR == nil {
		return nil, errors.New("ocr analyzer required")
	}
	if cfg.Translator == nil {
		return nil, errors.New("translator required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token counter required")
	}

	a := &App{
		store:                   cfg.Store,
		model:                   cfg.Model,
		embedder:                cfg.Embedder,
		ocr:                     cfg.OCR,
		asyncOCR:                cfg.AsyncOCR,
		translator:              cfg.Translator,
		batch:                   cfg.BatchTranslator,
		objects:                 cfg.Objects,
		tokens:                  cfg.Tokens,
		queue:                   cfg.Queue,
		publisher:               cfg.Publisher,
		targetLanguage:          strings.TrimSpace(cfg.TargetLanguage),
		searchLimit:             cfg.SearchLimit,
		tokenBudget:             cfg.TokenBudget,
		ocrPollInterval:         cfg.OCRPollInterval,
		translationPollInterval: cfg.TranslationPollInterval,
		now:                     cfg.Now,
	}
	if a.publisher == nil {
		a.publisher = notify.Nop{}
	}
	if a.targetLanguage == "" {
		a.targetLanguage = defaultTargetLanguage
	}
	if a.searchLimit <= 0 {
		a.searchLimit = defaultSearchLimit
	}
	if a.tokenBudget <= 0 {
		a.tokenBudget = defaultTokenBudget
	}
	if a.ocrPollInterval <= 0 {
		a.ocrPollInterval = defaultOCRPoll
	}
	if a.translationPollInterval <= 0 {
		a.translationPollInterval = defaultTranslationPoll
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// ListReceipts returns the most recently processed entries.
func (a *App) ListReceipts(ctx context.Context, limit int) ([]domain.ReceiptEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return a.store.ListReceipts(ctx, limit)
}

// GetReceipt loads one entry with the file names it was uploaded under.
func (a *App) GetReceipt(ctx context.Context, hash string) (domain.ReceiptEntry, []string, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return domain.ReceiptEntry{}, nil, ErrReceiptNotFound
	}
	entry, ok, err := a.store.GetReceipt(ctx, hash)
	if err != nil {
		return domain.ReceiptEntry{}, nil, err
	}
	if !ok {
		return domain.ReceiptEntry{}, nil, ErrReceiptNotFound
	}
	names, err := a.store.DocumentNames(ctx, hash)
	if err != nil {
		return domain.ReceiptEntry{}, nil, err
	}
	return entry, names, nil
}
