package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3010"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Database     DatabaseConfig
	Embeddings   EmbeddingsConfig
	Storage      StorageConfig
	Otel         OtelConfig
	SearchEngine SearchEngineConfig
	Indexer      IndexerConfig
	RetryQueue   RetryQueueConfig
	Reindex      ReindexConfig
	Vector       VectorConfig
	Lineage      LineageConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"catalog"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"catalog"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// EmbeddingsConfig holds embedding service configuration
type EmbeddingsConfig struct {
	// GCP Project ID; when set with a location the Vertex backend is used
	GCPProjectID     string `env:"GCP_PROJECT_ID" envDefault:""`
	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"us-central1"`

	Model     string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-004"`
	Dimension int    `env:"EMBEDDING_DIMENSION" envDefault:"768"`

	// Google API Key for the Gemini API backend
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`

	// Disable embeddings network calls (for testing)
	NetworkDisabled bool `env:"EMBEDDINGS_NETWORK_DISABLED" envDefault:"false"`

	// "hash" selects the local feature-hashing client; empty picks Vertex
	// or the Gemini API from the credentials above
	Provider string `env:"EMBEDDINGS_PROVIDER" envDefault:""`
}

// UseHashProvider returns true if the local hashing client is selected
func (e *EmbeddingsConfig) UseHashProvider() bool {
	return e.Provider == "hash"
}

// IsEnabled returns true if embeddings are configured
func (e *EmbeddingsConfig) IsEnabled() bool {
	if e.UseHashProvider() {
		return true
	}
	if e.NetworkDisabled {
		return false
	}
	return e.UseVertexAI() || e.GoogleAPIKey != ""
}

// UseVertexAI returns true if Vertex AI should be used
func (e *EmbeddingsConfig) UseVertexAI() bool {
	return e.GCPProjectID != "" && e.VertexAILocation != ""
}

// StorageConfig holds S3-compatible storage settings. Used to mirror reindex
// checkpoints; storage is optional.
type StorageConfig struct {
	Endpoint        string `env:"STORAGE_ENDPOINT" envDefault:""`
	AccessKeyID     string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	SecretAccessKey string `env:"STORAGE_SECRET_KEY" envDefault:""`
	Region          string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket          string `env:"STORAGE_BUCKET_CHECKPOINTS" envDefault:"reindex-checkpoints"`
}

// IsConfigured returns true if storage is configured
func (s *StorageConfig) IsConfigured() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// SearchEngineConfig controls the client side of the search index.
type SearchEngineConfig struct {
	// Default index (alias) that entity documents are written to
	DefaultIndex string `env:"SEARCH_DEFAULT_INDEX" envDefault:"catalog_search_index"`
	// Client-side throttle in requests per second; 0 disables it
	RPS   float64 `env:"SEARCH_ENGINE_RPS" envDefault:"200"`
	Burst int     `env:"SEARCH_ENGINE_BURST" envDefault:"50"`
}

// IndexerConfig controls the write path.
type IndexerConfig struct {
	AttemptTimeout   time.Duration `env:"INDEXER_ATTEMPT_TIMEOUT" envDefault:"10s"`
	InlineRetryDelay time.Duration `env:"INDEXER_INLINE_RETRY_DELAY" envDefault:"250ms"`
	// Mutation events buffered before falling back to the retry queue
	DispatchBuffer  int  `env:"INDEXER_DISPATCH_BUFFER" envDefault:"1024"`
	DispatchWorkers int  `env:"INDEXER_DISPATCH_WORKERS" envDefault:"4"`
	ListenEnabled   bool `env:"INDEXER_LISTEN_ENABLED" envDefault:"true"`
}

// RetryQueueConfig controls the retry queue processor.
type RetryQueueConfig struct {
	Enabled         bool          `env:"RETRY_QUEUE_ENABLED" envDefault:"true"`
	PollInterval    time.Duration `env:"RETRY_POLL_INTERVAL" envDefault:"5s"`
	ClaimBatchSize  int           `env:"RETRY_CLAIM_BATCH_SIZE" envDefault:"25"`
	Concurrency     int           `env:"RETRY_CONCURRENCY" envDefault:"4"`
	MaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	MaxCascade      int           `env:"RETRY_MAX_CASCADE" envDefault:"5000"`
	StaleMinutes    int           `env:"RETRY_STALE_MINUTES" envDefault:"10"`
	AdaptiveScaling bool          `env:"RETRY_ADAPTIVE_SCALING" envDefault:"true"`
}

// ReindexConfig controls bulk reindex runs.
type ReindexConfig struct {
	PageSize       int           `env:"REINDEX_PAGE_SIZE" envDefault:"500"`
	ReadMaxRetries int           `env:"REINDEX_READ_MAX_RETRIES" envDefault:"3"`
	ReadBaseDelay  time.Duration `env:"REINDEX_READ_BASE_DELAY" envDefault:"500ms"`
	// Checkpoints are mirrored to object storage when storage is configured
	MirrorCheckpoints bool `env:"REINDEX_MIRROR_CHECKPOINTS" envDefault:"true"`
}

// VectorConfig controls vector embedding and search.
type VectorConfig struct {
	// Optional YAML file overriding the built-in capability registry
	CapabilitiesFile string  `env:"VECTOR_CAPABILITIES_FILE" envDefault:""`
	DefaultK         int     `env:"VECTOR_DEFAULT_K" envDefault:"100"`
	DefaultThreshold float64 `env:"VECTOR_DEFAULT_THRESHOLD" envDefault:"0.0"`
	ChunkSize        int     `env:"VECTOR_CHUNK_SIZE" envDefault:"2000"`
	ChunkOverlap     int     `env:"VECTOR_CHUNK_OVERLAP" envDefault:"200"`
	LexicalWeight    float32 `env:"VECTOR_LEXICAL_WEIGHT" envDefault:"0.3"`
	VectorWeight     float32 `env:"VECTOR_VECTOR_WEIGHT" envDefault:"0.7"`
}

// LineageConfig controls lineage traversal defaults and limits.
type LineageConfig struct {
	DefaultDepth     int `env:"LINEAGE_DEFAULT_DEPTH" envDefault:"3"`
	MaxDepth         int `env:"LINEAGE_MAX_DEPTH" envDefault:"10"`
	DefaultPageSize  int `env:"LINEAGE_DEFAULT_PAGE_SIZE" envDefault:"50"`
	MaxPageSize      int `env:"LINEAGE_MAX_PAGE_SIZE" envDefault:"1000"`
	DefaultBudget    int `env:"LINEAGE_DEFAULT_EDGE_BUDGET" envDefault:"1000"`
	MaxBudget        int `env:"LINEAGE_MAX_EDGE_BUDGET" envDefault:"10000"`
	FetchConcurrency int `env:"LINEAGE_FETCH_CONCURRENCY" envDefault:"8"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("search_index", cfg.SearchEngine.DefaultIndex),
		slog.Bool("embeddings", cfg.Embeddings.IsEnabled()),
	)

	return cfg, nil
}
