package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"receiptscanner/internal/ratelimit"
	"receiptscanner/internal/util"
	"receiptscanner/pkg/ai"
	"receiptscanner/pkg/notify"
	"receiptscanner/pkg/ocr"
	"receiptscanner/pkg/queue"
	"receiptscanner/pkg/storage"
	"receiptscanner/pkg/store"
	"receiptscanner/pkg/tokenizer"
	"receiptscanner/pkg/translate"
	"receiptscanner/services/receipts/internal/app"
	"receiptscanner/services/receipts/internal/config"
	"receiptscanner/services/receipts/internal/server"
)

const queueStream = "receipts:uploads"

type namedCloser struct {
	name  string
	close func() error
}

// closerStack closes resources in reverse acquisition order.
type closerStack []namedCloser

func (c *closerStack) push(name string, fn func() error) {
	*c = append(*c, namedCloser{name: name, close: fn})
}

func (c closerStack) closeAll(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].close(); err != nil {
			logger.Warn("close failed", "resource", c[i].name, "err", err)
		}
	}
}

type closableStore interface {
	store.Store
	Close() error
}

func openStore(cfg config.FileConfig) (closableStore, error) {
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = store.DefaultEmbeddingDim
	}
	switch cfg.StoreDriver {
	case config.StoreDriverBolt:
		st, err := store.NewBoltStore(cfg.BoltPath, dim)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(dim))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	}
}

func openModels(ctx context.Context, cfg config.FileConfig, closers *closerStack) (ai.ChatModel, ai.Embedder, error) {
	var (
		model    ai.ChatModel
		embedder ai.Embedder
	)
	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		client, err := ai.NewGeminiClient(ctx, cfg.LLM.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("init gemini: %w", err)
		}
		closers.push("gemini llm", client.Close)
		model = ai.NewGeminiGenerator(client, cfg.LLM.Model)
	case config.ProviderOllama:
		model = ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.LLM.BaseURL), cfg.LLM.Model)
	default:
		model = ai.NewOpenAICompatGenerator(ai.NewOpenAICompatClient(cfg.LLM.BaseURL, cfg.LLM.APIKey), cfg.LLM.Model)
	}

	switch cfg.Embedding.Provider {
	case config.ProviderGemini:
		client, err := ai.NewGeminiClient(ctx, cfg.Embedding.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("init gemini embeddings: %w", err)
		}
		closers.push("gemini embeddings", client.Close)
		embedder = ai.NewGeminiEmbedder(client, cfg.Embedding.Model)
	case config.ProviderOllama:
		embedder = ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.Embedding.BaseURL), cfg.Embedding.Model, cfg.EmbeddingDim)
	default:
		embedder = ai.NewOpenAICompatEmbedder(ai.NewOpenAICompatClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey), cfg.Embedding.Model, cfg.EmbeddingDim)
	}
	slog.Info("models configured",
		"llm", cfg.LLM.Provider, "llm_model", cfg.LLM.Model,
		"embedding", cfg.Embedding.Provider, "embedding_model", cfg.Embedding.Model)
	return model, embedder, nil
}

func openTokenizer() (tokenizer.Counter, error) {
	tok, err := tokenizer.New(tokenizer.DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}
	return tok, nil
}

func wireOCR(appCfg *app.Config, cfg config.FileConfig, awsCfg aws.Config) {
	if cfg.OCRProvider == config.OCRProviderPDFText {
		appCfg.OCR = ocr.NewPDFTextAnalyzer()
		return
	}
	textract := ocr.NewTextractClient(awsCfg)
	appCfg.OCR = textract
	appCfg.AsyncOCR = textract
}

func wireTranslation(appCfg *app.Config, cfg config.FileConfig, awsCfg aws.Config) {
	client := translate.NewAWSClient(awsCfg, cfg.AWS.TranslateRoleARN)
	appCfg.Translator = client
	if cfg.AWS.TranslateRoleARN != "" {
		appCfg.BatchTranslator = client
	}
}

func wireObjects(appCfg *app.Config, cfg config.FileConfig) error {
	if cfg.ObjectStore.Endpoint == "" {
		slog.Warn("object store not configured; async OCR, batch translation and queued uploads are disabled")
		return nil
	}
	objects, err := storage.NewMinioStore(cfg.ObjectStore.Endpoint, cfg.ObjectStore.AccessKey,
		cfg.ObjectStore.SecretKey, cfg.ObjectStore.Bucket, cfg.ObjectStore.UseSSL)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	appCfg.Objects = objects
	return nil
}

func wireQueue(appCfg *app.Config, cfg config.FileConfig, closers *closerStack) (*queue.RedisJobQueue, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	stream := cfg.Queue.Stream
	if stream == "" {
		stream = queueStream
	}
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		Stream:     stream,
		Group:      cfg.Queue.Group,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	closers.push("job queue", q.Close)
	appCfg.Queue = q
	return q, nil
}

func wirePublisher(appCfg *app.Config, cfg config.FileConfig, closers *closerStack) error {
	if cfg.AMQP.URL == "" {
		return nil
	}
	pub, err := notify.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		return fmt.Errorf("init amqp publisher: %w", err)
	}
	closers.push("amqp publisher", pub.Close)
	appCfg.Publisher = pub
	return nil
}

func wireLimits(srvCfg *server.Config, cfg config.FileConfig, closers *closerStack) error {
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	srvCfg.TrustedProxies = trusted

	if n := cfg.RateLimit.UploadPerMinute; n > 0 {
		l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis.Addr, cfg.Redis.Password, "receipts:ratelimit:upload", n, time.Minute)
		if err != nil {
			return fmt.Errorf("init upload limiter: %w", err)
		}
		closers.push("upload limiter", l.Close)
		srvCfg.UploadLimiter = l
	}
	if n := cfg.RateLimit.QueryPerMinute; n > 0 {
		l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis.Addr, cfg.Redis.Password, "receipts:ratelimit:query", n, time.Minute)
		if err != nil {
			return fmt.Errorf("init query limiter: %w", err)
		}
		closers.push("query limiter", l.Close)
		srvCfg.QueryLimiter = l
	}
	return nil
}
