package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when no path is given.
const ConfigPath = "config.yaml"

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBolt     = "bolt"

	OCRProviderTextract = "textract"
	OCRProviderPDFText  = "pdftext"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

type AWSConfig struct {
	Region           string `yaml:"region"`
	TranslateRoleARN string `yaml:"translateRoleARN"`
}

type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// ModelConfig selects a generation or embedding backend.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type QueueConfig struct {
	Stream      string `yaml:"stream"`
	Group       string `yaml:"group"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetries  int    `yaml:"maxRetries"`
}

type RateLimitConfig struct {
	UploadPerMinute int `yaml:"uploadPerMinute"`
	QueryPerMinute  int `yaml:"queryPerMinute"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string            `yaml:"port"`
	LogLevel       string            `yaml:"logLevel"`
	StoreDriver    string            `yaml:"storeDriver"`
	DatabaseURL    string            `yaml:"databaseURL"`
	BoltPath       string            `yaml:"boltPath"`
	EmbeddingDim   int               `yaml:"embeddingDim"`
	SearchLimit    int               `yaml:"searchLimit"`
	TokenBudget    int               `yaml:"tokenBudget"`
	TargetLanguage string            `yaml:"targetLanguage"`
	OCRProvider    string            `yaml:"ocrProvider"`
	AWS            AWSConfig         `yaml:"aws"`
	ObjectStore    ObjectStoreConfig `yaml:"objectStore"`
	LLM            ModelConfig       `yaml:"llm"`
	Embedding      ModelConfig       `yaml:"embedding"`
	Redis          RedisConfig       `yaml:"redis"`
	Queue          QueueConfig       `yaml:"queue"`
	RateLimit      RateLimitConfig   `yaml:"rateLimit"`
	AMQP           AMQPConfig        `yaml:"amqp"`
	TrustedProxies []string          `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RECEIPTS_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("RECEIPTS_BOLT_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("RECEIPTS_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("RECEIPTS_TARGET_LANGUAGE"); v != "" {
		cfg.TargetLanguage = v
	}
	if v := os.Getenv("RECEIPTS_OCR_PROVIDER"); v != "" {
		cfg.OCRProvider = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("TRANSLATE_ROLE_ARN"); v != "" {
		cfg.AWS.TranslateRoleARN = v
	}
	if v := os.Getenv("OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("OBJECT_STORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("OBJECT_STORE_USE_SSL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.ObjectStore.UseSSL = enabled
		}
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RECEIPTS_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("RECEIPTS_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("RECEIPTS_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.UploadPerMinute = n
		}
	}
	if v := os.Getenv("RECEIPTS_QUERY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.QueryPerMinute = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverPostgres
	}
	if cfg.OCRProvider == "" {
		cfg.OCRProvider = OCRProviderTextract
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "en"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOpenAI
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = cfg.LLM.Provider
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 1
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or --port)")
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case StoreDriverBolt:
		if cfg.BoltPath == "" {
			return errors.New("config: boltPath is required (set in config.yaml or RECEIPTS_BOLT_PATH)")
		}
	default:
		return fmt.Errorf("config: unsupported storeDriver %q", cfg.StoreDriver)
	}
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be >= 0")
	}
	if cfg.SearchLimit < 0 || cfg.TokenBudget < 0 {
		return errors.New("config: searchLimit and tokenBudget must be >= 0")
	}
	switch cfg.OCRProvider {
	case OCRProviderTextract, OCRProviderPDFText:
	default:
		return fmt.Errorf("config: unsupported ocrProvider %q", cfg.OCRProvider)
	}
	if cfg.AWS.Region == "" {
		return errors.New("config: aws.region is required (set in config.yaml or AWS_REGION)")
	}
	if err := validateModel("llm", cfg.LLM); err != nil {
		return err
	}
	if err := validateModel("embedding", cfg.Embedding); err != nil {
		return err
	}
	if cfg.Queue.Concurrency < 0 || cfg.Queue.MaxRetries < 0 {
		return errors.New("config: queue.concurrency and queue.maxRetries must be >= 0")
	}
	if cfg.RateLimit.UploadPerMinute < 0 || cfg.RateLimit.QueryPerMinute < 0 {
		return errors.New("config: rateLimit values must be >= 0")
	}
	if (cfg.RateLimit.UploadPerMinute > 0 || cfg.RateLimit.QueryPerMinute > 0) && cfg.Redis.Addr == "" {
		return errors.New("config: redis.addr is required when rate limits are set (set in config.yaml or REDIS_ADDR)")
	}
	return nil
}

func validateModel(name string, m ModelConfig) error {
	switch m.Provider {
	case ProviderOpenAI, ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("config: unsupported %s.provider %q", name, m.Provider)
	}
	if strings.TrimSpace(m.Model) == "" {
		return fmt.Errorf("config: %s.model is required (set in config.yaml or ENV)", name)
	}
	if m.Provider == ProviderGemini && m.APIKey == "" {
		return fmt.Errorf("config: %s.apiKey is required for gemini (set in config.yaml or ENV)", name)
	}
	if m.Provider != ProviderGemini && m.BaseURL == "" {
		return fmt.Errorf("config: %s.baseURL is required (set in config.yaml or ENV)", name)
	}
	return nil
}
