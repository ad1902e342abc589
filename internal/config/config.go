package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const (
	BackendMemory = "memory"
	BackendQdrant = "qdrant"
	BackendRedis  = "redis"
	BackendNone   = "none"

	RerankNone         = "none"
	RerankHeuristic    = "heuristic"
	RerankLLM          = "llm"
	RerankCrossEncoder = "crossencoder"
)

type Config struct {
	APIPort  string `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`

	// PostgresDSN selects the Postgres repository; empty keeps documents in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// NATSURL enables async ingestion and cross-process corpus events; empty disables both.
	NATSURL           string `yaml:"nats_url"`
	NATSSubject       string `yaml:"nats_subject"`
	NATSCorpusSubject string `yaml:"nats_corpus_subject"`
	IngestAsync       bool   `yaml:"ingest_async"`

	OllamaURL        string `yaml:"ollama_url"`
	OllamaGenModel   string `yaml:"ollama_gen_model"`
	OllamaEmbedModel string `yaml:"ollama_embed_model"`

	VectorBackend    string `yaml:"vector_backend"`
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	CacheBackend    string `yaml:"cache_backend"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`

	ChunkSize          int `yaml:"chunk_size"`
	ChunkOverlap       int `yaml:"chunk_overlap"`
	ChunkBoundarySlack int `yaml:"chunk_boundary_slack"`

	EmbedBatchSize   int     `yaml:"embed_batch_size"`
	EmbedConcurrency int     `yaml:"embed_concurrency"`
	EmbedRPS         float64 `yaml:"embed_rps"`

	FusionStrategy  string  `yaml:"fusion_strategy"`
	FusionAlpha     float64 `yaml:"fusion_alpha"`
	FusionOverFetch int     `yaml:"fusion_over_fetch"`
	FusionRRFK      int     `yaml:"fusion_rrf_k"`

	RerankProvider    string `yaml:"rerank_provider"`
	RerankOverFetch   int    `yaml:"rerank_over_fetch"`
	RerankConcurrency int    `yaml:"rerank_concurrency"`
	RerankURL         string `yaml:"rerank_url"`

	RAGTopK             int `yaml:"rag_top_k"`
	RAGMaxTopK          int `yaml:"rag_max_top_k"`
	RAGMaxContextTokens int `yaml:"rag_max_context_tokens"`
	RAGMaxTokens        int `yaml:"rag_max_tokens"`

	KeywordStopWords bool `yaml:"keyword_stop_words"`

	ResilienceRetryMaxAttempts       int     `yaml:"resilience_retry_max_attempts"`
	ResilienceRetryInitialBackoffMS  int     `yaml:"resilience_retry_initial_backoff_ms"`
	ResilienceRetryMaxBackoffMS      int     `yaml:"resilience_retry_max_backoff_ms"`
	ResilienceRetryMultiplier        float64 `yaml:"resilience_retry_multiplier"`
	ResilienceRetryJitter            float64 `yaml:"resilience_retry_jitter"`
	ResilienceBreakerEnabled         bool    `yaml:"resilience_breaker_enabled"`
	ResilienceBreakerMinRequests     int     `yaml:"resilience_breaker_min_requests"`
	ResilienceBreakerFailureRatio    float64 `yaml:"resilience_breaker_failure_ratio"`
	ResilienceBreakerOpenTimeoutSecs int     `yaml:"resilience_breaker_open_timeout_seconds"`
	ResilienceBreakerHalfOpenMax     int     `yaml:"resilience_breaker_half_open_max_calls"`

	OTELEnabled    bool    `yaml:"otel_enabled"`
	OTELEndpoint   string  `yaml:"otel_endpoint"`
	OTELSampleRate float64 `yaml:"otel_sample_rate"`

	WorkerMetricsPort          string `yaml:"worker_metrics_port"`
	WorkerRetryIntervalSeconds int    `yaml:"worker_retry_interval_seconds"`
}

func Defaults() Config {
	return Config{
		APIPort:  "8080",
		LogLevel: "info",

		NATSSubject:       "documents.ingest",
		NATSCorpusSubject: "corpus.changed",

		OllamaURL:        "http://localhost:11434",
		OllamaGenModel:   "llama3.1:8b",
		OllamaEmbedModel: "nomic-embed-text",

		VectorBackend:    BackendMemory,
		QdrantURL:        "http://localhost:6333",
		QdrantCollection: "chunks",

		CacheBackend:    BackendMemory,
		CacheTTLSeconds: 600,
		CacheMaxEntries: 10000,
		RedisAddr:       "localhost:6379",

		ChunkSize:          1000,
		ChunkOverlap:       200,
		ChunkBoundarySlack: -1,

		EmbedBatchSize:   32,
		EmbedConcurrency: 4,
		EmbedRPS:         0,

		FusionStrategy:  "minmax",
		FusionAlpha:     0.5,
		FusionOverFetch: 3,
		FusionRRFK:      60,

		RerankProvider:    RerankHeuristic,
		RerankOverFetch:   2,
		RerankConcurrency: 5,
		RerankURL:         "http://localhost:8081",

		RAGTopK:             5,
		RAGMaxTopK:          50,
		RAGMaxContextTokens: 3000,
		RAGMaxTokens:        512,

		KeywordStopWords: false,

		ResilienceRetryMaxAttempts:       3,
		ResilienceRetryInitialBackoffMS:  100,
		ResilienceRetryMaxBackoffMS:      400,
		ResilienceRetryMultiplier:        2,
		ResilienceRetryJitter:            0.2,
		ResilienceBreakerEnabled:         true,
		ResilienceBreakerMinRequests:     10,
		ResilienceBreakerFailureRatio:    0.5,
		ResilienceBreakerOpenTimeoutSecs: 30,
		ResilienceBreakerHalfOpenMax:     2,

		OTELEndpoint:   "localhost:4317",
		OTELSampleRate: 1,

		WorkerMetricsPort:          "9090",
		WorkerRetryIntervalSeconds: 60,
	}
}

// Load applies defaults, then the YAML file named by CONFIG_FILE, then
// environment variables, and validates the result.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return domain.WrapError(domain.ErrInvalidParameter, "parse config file", err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.APIPort = mustEnv("API_PORT", c.APIPort)
	c.LogLevel = mustEnv("LOG_LEVEL", c.LogLevel)

	c.PostgresDSN = mustEnv("POSTGRES_DSN", c.PostgresDSN)

	c.NATSURL = mustEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = mustEnv("NATS_SUBJECT", c.NATSSubject)
	c.NATSCorpusSubject = mustEnv("NATS_CORPUS_SUBJECT", c.NATSCorpusSubject)
	c.IngestAsync = mustEnvBool("INGEST_ASYNC", c.IngestAsync)

	c.OllamaURL = mustEnv("OLLAMA_URL", c.OllamaURL)
	c.OllamaGenModel = mustEnv("OLLAMA_GEN_MODEL", c.OllamaGenModel)
	c.OllamaEmbedModel = mustEnv("OLLAMA_EMBED_MODEL", c.OllamaEmbedModel)

	c.VectorBackend = mustEnv("VECTOR_BACKEND", c.VectorBackend)
	c.QdrantURL = mustEnv("QDRANT_URL", c.QdrantURL)
	c.QdrantCollection = mustEnv("QDRANT_COLLECTION", c.QdrantCollection)

	c.CacheBackend = mustEnv("CACHE_BACKEND", c.CacheBackend)
	c.CacheTTLSeconds = mustEnvInt("CACHE_TTL_SECONDS", c.CacheTTLSeconds)
	c.CacheMaxEntries = mustEnvInt("CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.RedisAddr = mustEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = mustEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = mustEnvInt("REDIS_DB", c.RedisDB)

	c.ChunkSize = mustEnvInt("CHUNK_SIZE", c.ChunkSize)
	c.ChunkOverlap = mustEnvInt("CHUNK_OVERLAP", c.ChunkOverlap)
	c.ChunkBoundarySlack = mustEnvInt("CHUNK_BOUNDARY_SLACK", c.ChunkBoundarySlack)

	c.EmbedBatchSize = mustEnvInt("EMBED_BATCH_SIZE", c.EmbedBatchSize)
	c.EmbedConcurrency = mustEnvInt("EMBED_CONCURRENCY", c.EmbedConcurrency)
	c.EmbedRPS = mustEnvFloat("EMBED_RPS", c.EmbedRPS)

	c.FusionStrategy = mustEnv("FUSION_STRATEGY", c.FusionStrategy)
	c.FusionAlpha = mustEnvFloat("FUSION_ALPHA", c.FusionAlpha)
	c.FusionOverFetch = mustEnvInt("FUSION_OVER_FETCH", c.FusionOverFetch)
	c.FusionRRFK = mustEnvInt("FUSION_RRF_K", c.FusionRRFK)

	c.RerankProvider = mustEnv("RERANK_PROVIDER", c.RerankProvider)
	c.RerankOverFetch = mustEnvInt("RERANK_OVER_FETCH", c.RerankOverFetch)
	c.RerankConcurrency = mustEnvInt("RERANK_CONCURRENCY", c.RerankConcurrency)
	c.RerankURL = mustEnv("RERANK_URL", c.RerankURL)

	c.RAGTopK = mustEnvInt("RAG_TOP_K", c.RAGTopK)
	c.RAGMaxTopK = mustEnvInt("RAG_MAX_TOP_K", c.RAGMaxTopK)
	c.RAGMaxContextTokens = mustEnvInt("RAG_MAX_CONTEXT_TOKENS", c.RAGMaxContextTokens)
	c.RAGMaxTokens = mustEnvInt("RAG_MAX_TOKENS", c.RAGMaxTokens)

	c.KeywordStopWords = mustEnvBool("KEYWORD_STOP_WORDS", c.KeywordStopWords)

	c.ResilienceRetryMaxAttempts = mustEnvInt("RESILIENCE_RETRY_MAX_ATTEMPTS", c.ResilienceRetryMaxAttempts)
	c.ResilienceRetryInitialBackoffMS = mustEnvInt("RESILIENCE_RETRY_INITIAL_BACKOFF_MS", c.ResilienceRetryInitialBackoffMS)
	c.ResilienceRetryMaxBackoffMS = mustEnvInt("RESILIENCE_RETRY_MAX_BACKOFF_MS", c.ResilienceRetryMaxBackoffMS)
	c.ResilienceRetryMultiplier = mustEnvFloat("RESILIENCE_RETRY_MULTIPLIER", c.ResilienceRetryMultiplier)
	c.ResilienceRetryJitter = mustEnvFloat("RESILIENCE_RETRY_JITTER", c.ResilienceRetryJitter)
	c.ResilienceBreakerEnabled = mustEnvBool("RESILIENCE_BREAKER_ENABLED", c.ResilienceBreakerEnabled)
	c.ResilienceBreakerMinRequests = mustEnvInt("RESILIENCE_BREAKER_MIN_REQUESTS", c.ResilienceBreakerMinRequests)
	c.ResilienceBreakerFailureRatio = mustEnvFloat("RESILIENCE_BREAKER_FAILURE_RATIO", c.ResilienceBreakerFailureRatio)
	c.ResilienceBreakerOpenTimeoutSecs = mustEnvInt("RESILIENCE_BREAKER_OPEN_TIMEOUT_SECONDS", c.ResilienceBreakerOpenTimeoutSecs)
	c.ResilienceBreakerHalfOpenMax = mustEnvInt("RESILIENCE_BREAKER_HALF_OPEN_MAX_CALLS", c.ResilienceBreakerHalfOpenMax)

	c.OTELEnabled = mustEnvBool("OTEL_ENABLED", c.OTELEnabled)
	c.OTELEndpoint = mustEnv("OTEL_ENDPOINT", c.OTELEndpoint)
	c.OTELSampleRate = mustEnvFloat("OTEL_SAMPLE_RATE", c.OTELSampleRate)

	c.WorkerMetricsPort = mustEnv("WORKER_METRICS_PORT", c.WorkerMetricsPort)
	c.WorkerRetryIntervalSeconds = mustEnvInt("WORKER_RETRY_INTERVAL_SECONDS", c.WorkerRetryIntervalSeconds)
}

// Validate rejects combinations the engine cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.ChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		problems = append(problems, fmt.Sprintf("chunk overlap %d must be in [0, chunk size %d)", c.ChunkOverlap, c.ChunkSize))
	}
	if c.FusionAlpha < 0 || c.FusionAlpha > 1 {
		problems = append(problems, fmt.Sprintf("fusion alpha %v must be in [0, 1]", c.FusionAlpha))
	}
	if c.FusionOverFetch < 1 {
		problems = append(problems, fmt.Sprintf("fusion over-fetch %d must be at least 1", c.FusionOverFetch))
	}
	if c.RerankOverFetch < 1 {
		problems = append(problems, fmt.Sprintf("rerank over-fetch %d must be at least 1", c.RerankOverFetch))
	}
	if c.RAGTopK < 1 || c.RAGMaxTopK < c.RAGTopK {
		problems = append(problems, fmt.Sprintf("top k %d must be in [1, max top k %d]", c.RAGTopK, c.RAGMaxTopK))
	}
	if !oneOf(c.FusionStrategy, "minmax", "rrf") {
		problems = append(problems, fmt.Sprintf("unknown fusion strategy %q", c.FusionStrategy))
	}
	if !oneOf(c.VectorBackend, BackendMemory, BackendQdrant) {
		problems = append(problems, fmt.Sprintf("unknown vector backend %q", c.VectorBackend))
	}
	if !oneOf(c.CacheBackend, BackendMemory, BackendRedis, BackendNone) {
		problems = append(problems, fmt.Sprintf("unknown cache backend %q", c.CacheBackend))
	}
	if !oneOf(c.RerankProvider, RerankNone, RerankHeuristic, RerankLLM, RerankCrossEncoder) {
		problems = append(problems, fmt.Sprintf("unknown rerank provider %q", c.RerankProvider))
	}
	if c.ResilienceRetryJitter < 0 || c.ResilienceRetryJitter > 1 {
		problems = append(problems, fmt.Sprintf("retry jitter %v must be in [0, 1]", c.ResilienceRetryJitter))
	}
	if c.IngestAsync {
		if c.NATSURL == "" {
			problems = append(problems, "async ingestion requires NATS_URL")
		}
		// API and worker are separate processes and must share both stores.
		if c.PostgresDSN == "" {
			problems = append(problems, "async ingestion requires POSTGRES_DSN")
		}
		if c.VectorBackend != BackendQdrant {
			problems = append(problems, fmt.Sprintf("async ingestion requires VECTOR_BACKEND=%s, got %q", BackendQdrant, c.VectorBackend))
		}
	}
	if len(problems) > 0 {
		return domain.InvalidParameter("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) WorkerRetryInterval() time.Duration {
	return time.Duration(c.WorkerRetryIntervalSeconds) * time.Second
}

func (c Config) Resilience() resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        c.ResilienceRetryMaxAttempts,
		RetryInitialBackoff:     time.Duration(c.ResilienceRetryInitialBackoffMS) * time.Millisecond,
		RetryMaxBackoff:         time.Duration(c.ResilienceRetryMaxBackoffMS) * time.Millisecond,
		RetryMultiplier:         c.ResilienceRetryMultiplier,
		RetryJitter:             c.ResilienceRetryJitter,
		BreakerEnabled:          c.ResilienceBreakerEnabled,
		BreakerMinRequests:      uint32(max(c.ResilienceBreakerMinRequests, 0)),
		BreakerFailureRatio:     c.ResilienceBreakerFailureRatio,
		BreakerOpenTimeout:      time.Duration(c.ResilienceBreakerOpenTimeoutSecs) * time.Second,
		BreakerHalfOpenMaxCalls: uint32(max(c.ResilienceBreakerHalfOpenMax, 0)),
	}
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
