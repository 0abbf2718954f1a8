// Package config provides configuration loading for corpusd.
package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
)

// Config holds the full corpusd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorIndex   VectorIndexConfig   `koanf:"vectorindex"`
	Chunking      ChunkingConfig      `koanf:"chunking"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Ranking       RankingConfig       `koanf:"ranking"`
	Synthesis     SynthesisConfig     `koanf:"synthesis"`
	Cache         CacheConfig         `koanf:"cache"`
	State         StateConfig         `koanf:"state"`
	Storage       StorageConfig       `koanf:"storage"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Secrets       SecretsConfig       `koanf:"secrets"`
	OAuth         OAuthConfig         `koanf:"oauth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
	EnableMetrics   bool    `koanf:"enable_metrics"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// EmbeddingsConfig configures the embedding provider and gateway.
type EmbeddingsConfig struct {
	Provider     string   `koanf:"provider"` // tei | openai | fastembed
	BaseURL      string   `koanf:"base_url"`
	Model        string   `koanf:"model"`
	APIKey       Secret   `koanf:"api_key"`
	Dimension    int      `koanf:"dimension"`
	BatchSize    int      `koanf:"batch_size"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
	RateLimit    float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Timeout      Duration `koanf:"timeout"`
	CacheDir     string   `koanf:"cache_dir"`
}

// VectorIndexConfig configures the vector index backend.
type VectorIndexConfig struct {
	Provider    string `koanf:"provider"` // qdrant | chromem
	QdrantHost  string `koanf:"qdrant_host"`
	QdrantPort  int    `koanf:"qdrant_port"`
	QdrantTLS   bool   `koanf:"qdrant_tls"`
	QdrantKey   Secret `koanf:"qdrant_api_key"`
	ChromemPath string `koanf:"chromem_path"`
	Distance    string `koanf:"distance"` // cosine | dot | euclid
}

// ChunkingConfig controls document chunking.
type ChunkingConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// RetrievalConfig controls hybrid retrieval.
type RetrievalConfig struct {
	DenseWeight         float64 `koanf:"dense_weight"`
	SparseWeight        float64 `koanf:"sparse_weight"`
	CandidateMultiplier int     `koanf:"candidate_multiplier"`
	SynonymsFile        string  `koanf:"synonyms_file"`
}

// RankingConfig controls freshness, reranking and diversity selection.
type RankingConfig struct {
	FreshnessMin     float64  `koanf:"freshness_min"`
	FreshnessMax     float64  `koanf:"freshness_max"`
	FreshnessHorizon Duration `koanf:"freshness_horizon"`
	MMRLambda        float64  `koanf:"mmr_lambda"`
	RerankerURL      string   `koanf:"reranker_url"`
	RerankerTimeout  Duration `koanf:"reranker_timeout"`
}

// SynthesisConfig configures answer generation and verification.
type SynthesisConfig struct {
	Provider         string  `koanf:"provider"` // openai | extractive
	BaseURL          string  `koanf:"base_url"`
	Model            string  `koanf:"model"`
	APIKey           Secret  `koanf:"api_key"`
	MaxContextTokens int     `koanf:"max_context_tokens"`
	VerifyThreshold  float64 `koanf:"verify_threshold"`
}

// CacheConfig bounds every in-process cache.
type CacheConfig struct {
	EmbeddingMaxEntries int      `koanf:"embedding_max_entries"`
	EmbeddingTTL        Duration `koanf:"embedding_ttl"`
	TenantWorkingSet    int      `koanf:"tenant_working_set"`
	EntityCap           int      `koanf:"entity_cap"`
}

// StateConfig selects the shared state store.
type StateConfig struct {
	Provider string   `koanf:"provider"` // memory | nats
	NATSURL  string   `koanf:"nats_url"`
	Bucket   string   `koanf:"bucket"`
	TTL      Duration `koanf:"ttl"`
}

// StorageConfig locates the document database.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// IngestConfig bounds the embedding job.
type IngestConfig struct {
	Workers int `koanf:"workers"`
}

// SecretsConfig controls secret scrubbing of text sent to external providers.
type SecretsConfig struct {
	Enabled       bool     `koanf:"enabled"`
	AllowPatterns []string `koanf:"allow_patterns"`
	AllowlistFile string   `koanf:"allowlist_file"` // optional TOML [allowlist] regexes
}

// OAuthConfig holds connector OAuth client registrations.
type OAuthConfig struct {
	HandshakeTTL Duration                  `koanf:"handshake_ttl"`
	Connectors   map[string]OAuthConnector `koanf:"connectors"`
}

// OAuthConnector is one OAuth client registration.
type OAuthConnector struct {
	ClientID     string   `koanf:"client_id"`
	ClientSecret Secret   `koanf:"client_secret"`
	AuthURL      string   `koanf:"auth_url"`
	TokenURL     string   `koanf:"token_url"`
	RedirectURL  string   `koanf:"redirect_url"`
	Scopes       []string `koanf:"scopes"`
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}

	switch c.Embeddings.Provider {
	case "tei", "openai", "fastembed":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be tei, openai or fastembed, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.MaxRetries < 0 {
		errs = append(errs, errors.New("embeddings.max_retries cannot be negative"))
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, errors.New("embeddings.batch_size must be positive"))
	}

	switch c.VectorIndex.Provider {
	case "qdrant", "chromem":
	default:
		errs = append(errs, fmt.Errorf("vectorindex.provider must be qdrant or chromem, got %q", c.VectorIndex.Provider))
	}

	if c.Chunking.Size <= 0 {
		errs = append(errs, errors.New("chunking.size must be positive"))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap))
	}

	r := c.Retrieval
	if r.DenseWeight < 0 || r.SparseWeight < 0 || math.Abs(r.DenseWeight+r.SparseWeight-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("retrieval weights must be non-negative and sum to 1, got %.2f/%.2f", r.DenseWeight, r.SparseWeight))
	}
	if r.CandidateMultiplier < 3 || r.CandidateMultiplier > 5 {
		errs = append(errs, fmt.Errorf("retrieval.candidate_multiplier must be 3-5, got %d", r.CandidateMultiplier))
	}

	rk := c.Ranking
	if rk.FreshnessMin <= 0 || rk.FreshnessMin > rk.FreshnessMax {
		errs = append(errs, fmt.Errorf("ranking freshness bounds invalid: min=%.2f max=%.2f", rk.FreshnessMin, rk.FreshnessMax))
	}
	if rk.FreshnessHorizon.Duration() <= 0 {
		errs = append(errs, errors.New("ranking.freshness_horizon must be positive"))
	}
	if rk.MMRLambda < 0 || rk.MMRLambda > 1 {
		errs = append(errs, fmt.Errorf("ranking.mmr_lambda must be in [0, 1], got %.2f", rk.MMRLambda))
	}

	if c.Synthesis.MaxContextTokens <= 0 {
		errs = append(errs, errors.New("synthesis.max_context_tokens must be positive"))
	}
	if c.Synthesis.VerifyThreshold <= 0 || c.Synthesis.VerifyThreshold > 1 {
		errs = append(errs, fmt.Errorf("synthesis.verify_threshold must be in (0, 1], got %.2f", c.Synthesis.VerifyThreshold))
	}

	if c.Cache.EmbeddingMaxEntries <= 0 {
		errs = append(errs, errors.New("cache.embedding_max_entries must be positive"))
	}
	if c.Cache.TenantWorkingSet <= 0 || c.Cache.EntityCap <= 0 {
		errs = append(errs, errors.New("cache.tenant_working_set and cache.entity_cap must be positive"))
	}

	switch c.State.Provider {
	case "memory":
	case "nats":
		if c.State.NATSURL == "" {
			errs = append(errs, errors.New("state.nats_url is required when state.provider is nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.provider must be memory or nats, got %q", c.State.Provider))
	}

	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}

	for _, p := range c.Secrets.AllowPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid secrets allow pattern %q: %w", p, err))
		}
	}

	for name, conn := range c.OAuth.Connectors {
		if conn.ClientID == "" || conn.AuthURL == "" {
			errs = append(errs, fmt.Errorf("oauth connector %q requires client_id and auth_url", name))
		}
	}

	return errors.Join(errs...)
}
