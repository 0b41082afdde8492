// Package config loads the ingestion pipeline's runtime configuration
// from the process environment, optionally overlaid from a local .env
// file, into an immutable value passed to every component at entry.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"kbpipeline/internal/pipelineerr"
)

// Config is the frozen, environment-driven configuration for one
// pipeline invocation.
type Config struct {
	DatabaseURL string

	ExtractionAPIKey string
	EmbeddingAPIKey  string
	ExtractionModel  string
	EmbeddingModel   string

	ChunkSize              int
	ChunkOverlap           int
	FullDocThresholdTokens int

	LLMConcurrency    int
	EmbedConcurrency  int
	UpsertConcurrency int

	RequestRetries           int
	RequestTimeoutSeconds    int
	QueueMaxSize             int
	LLMValidationRetries     int
	ProgressHeartbeatSeconds int

	Obs ObsConfig
}

// ObsConfig configures the optional tracing exporter.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	LogLevel       string
	LogPath        string
}

// Defaults mirror spec §6's configuration table.
const (
	defaultChunkSize              = 800
	defaultChunkOverlap           = 300
	defaultFullDocThresholdTokens = 50_000
	defaultLLMConcurrency         = 4
	defaultEmbedConcurrency       = 8
	defaultUpsertConcurrency      = 8
	defaultRequestRetries         = 3
	defaultRequestTimeoutSeconds  = 180
	defaultQueueMaxSize           = 64
	defaultLLMValidationRetries   = 1
	defaultProgressHeartbeat      = 10

	defaultExtractionModel = "qwen/qwen3.5-397b-a17b:nitro"
	defaultEmbeddingModel  = "text-embedding-3-small"
)

// Load reads Config from the environment. A .env file in the working
// directory, if present, overrides already-exported shell variables —
// matching the teacher's loader.go convention of godotenv.Overload()
// so local development state wins deterministically.
func Load() Config {
	_ = godotenv.Overload()

	cfg := Config{
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ExtractionAPIKey: strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		EmbeddingAPIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),

		ExtractionModel: firstNonEmpty(os.Getenv("OPENROUTER_MODEL"), defaultExtractionModel),
		EmbeddingModel:  firstNonEmpty(os.Getenv("OPENAI_EMBEDDING_MODEL"), defaultEmbeddingModel),

		ChunkSize:              intFromEnv("KB_CHUNK_SIZE", defaultChunkSize),
		ChunkOverlap:           intFromEnv("KB_CHUNK_OVERLAP", defaultChunkOverlap),
		FullDocThresholdTokens: intFromEnv("KB_FULL_DOC_THRESHOLD_TOKENS", defaultFullDocThresholdTokens),

		LLMConcurrency:    intFromEnv("KB_LLM_CONCURRENCY", defaultLLMConcurrency),
		EmbedConcurrency:  intFromEnv("KB_EMBED_CONCURRENCY", defaultEmbedConcurrency),
		UpsertConcurrency: intFromEnv("KB_UPSERT_CONCURRENCY", defaultUpsertConcurrency),

		RequestRetries:           intFromEnv("KB_REQUEST_RETRIES", defaultRequestRetries),
		RequestTimeoutSeconds:    intFromEnv("KB_REQUEST_TIMEOUT_SECONDS", defaultRequestTimeoutSeconds),
		QueueMaxSize:             intFromEnv("KB_QUEUE_MAXSIZE", defaultQueueMaxSize),
		LLMValidationRetries:     intFromEnv("KB_LLM_VALIDATION_RETRIES", defaultLLMValidationRetries),
		ProgressHeartbeatSeconds: intFromEnv("KB_PROGRESS_HEARTBEAT_SECONDS", defaultProgressHeartbeat),

		Obs: ObsConfig{
			ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "kb-pipeline"),
			ServiceVersion: firstNonEmpty(os.Getenv("KB_SERVICE_VERSION"), "dev"),
			Environment:    firstNonEmpty(os.Getenv("KB_ENVIRONMENT"), "development"),
			OTLPEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			LogLevel:       firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
			LogPath:        strings.TrimSpace(os.Getenv("KB_LOG_PATH")),
		},
	}
	cfg.DatabaseURL = normalizeDatabaseURL(cfg.DatabaseURL)
	return cfg
}

// normalizeDatabaseURL rewrites the psycopg-flavored scheme an operator
// may carry over from a Python deployment's .env into the plain
// postgresql:// scheme pgx expects.
func normalizeDatabaseURL(raw string) string {
	return strings.Replace(raw, "postgresql+psycopg://", "postgresql://", 1)
}

// ValidateChunking checks the chunk_size/chunk_overlap invariant
// (0 ≤ overlap < chunk_size) independent of where the values came from
// (env defaults or CLI flag overrides), returning a ConfigError.
func (c Config) ValidateChunking() error {
	if c.ChunkSize <= 0 {
		return pipelineerr.NewConfigError("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return pipelineerr.NewConfigError("chunk_overlap must satisfy 0 <= overlap < chunk_size, got overlap=%d chunk_size=%d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// RequireRuntimeSecrets fails fast when the credentials run/resume/
// retry-failed need are absent. plan never calls this.
func (c Config) RequireRuntimeSecrets() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.ExtractionAPIKey == "" {
		missing = append(missing, "OPENROUTER_API_KEY")
	}
	if c.EmbeddingAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return pipelineerr.NewConfigError("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
