package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Tier selects the default backends
	Tier Tier `mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	Velocity   VelocityConfig   `mapstructure:"velocity"`
	History    HistoryConfig    `mapstructure:"history"`

	// Scoring pipeline
	Scoring  ScoringConfig `mapstructure:"scoring"`
	GeoIP    GeoIPConfig   `mapstructure:"geoip"`
	Holidays HolidayConfig `mapstructure:"holidays"`

	// Alert handling
	Worker WorkerConfig `mapstructure:"worker"`
	Notify NotifyConfig `mapstructure:"notify"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

// ScoringConfig holds the knobs of the scoring pipeline.
type ScoringConfig struct {
	// Threshold: is_fraud = p_fraud > Threshold
	Threshold float64 `mapstructure:"threshold"`

	// Weights per component name; must sum to 1.0
	Weights map[string]float64 `mapstructure:"weights"`

	// EmbeddingDim is the length of one entity embedding
	EmbeddingDim int `mapstructure:"embedding_dim"`

	// EmbeddingURL is the embedding service. Empty reads embeddings from
	// the cache only.
	EmbeddingURL string `mapstructure:"embedding_url"`

	// Timeouts
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	ComponentTimeout time.Duration `mapstructure:"component_timeout"`
	TotalTimeout     time.Duration `mapstructure:"total_timeout"`

	// Model bundle
	ModelVersion string `mapstructure:"model_version"`
	ModelPath    string `mapstructure:"model_path"`
	Route        string `mapstructure:"route"`

	// Batch scoring
	BatchLimit   int `mapstructure:"batch_limit"`
	BatchWorkers int `mapstructure:"batch_workers"`

	// Segments name MCC sets that overrides can target
	Segments  map[string][]string `mapstructure:"segments"`
	Overrides []ScoringOverride   `mapstructure:"overrides"`

	// Embedding service circuit breaker
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ScoringOverride replaces weights and/or threshold for one model version or
// one merchant segment.
type ScoringOverride struct {
	ModelVersion string             `mapstructure:"model_version"`
	Segment      string             `mapstructure:"segment"`
	Weights      map[string]float64 `mapstructure:"weights"`
	Threshold    *float64           `mapstructure:"threshold"`
}

// GeoIPConfig points at MaxMind databases. Empty paths disable IP lookup.
type GeoIPConfig struct {
	CityDB          string   `mapstructure:"city_db"`
	ASNDB           string   `mapstructure:"asn_db"`
	HostingKeywords []string `mapstructure:"hosting_keywords"`
}

// HolidayConfig adds dates to the built-in calendar.
// Entries are "2006-01-02" (all countries) or "US:2006-01-02".
type HolidayConfig struct {
	Extra []string `mapstructure:"extra"`
}

// WorkerConfig holds alert worker settings.
type WorkerConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	TenantIDs []string `mapstructure:"tenant_ids"`
}

// NotifyConfig selects where alerts are forwarded.
type NotifyConfig struct {
	// Type is "log", "telegram" or "none"
	Type     string         `mapstructure:"type"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram notification settings.
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`

	// OTLPEndpoint is the OTLP/gRPC collector, e.g. "localhost:4317"
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process state
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns the community tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			EntityTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Velocity: VelocityConfig{
			Backend:      "memory",
			Windows:      []int{1, 5, 30, 120},
			ReapInterval: time.Minute,
			IdleHorizon:  24 * time.Hour,
		},
		History: HistoryConfig{
			Backend: "memory",
			TTL:     30 * 24 * time.Hour,
		},
		Scoring: ScoringConfig{
			Threshold: 0.7,
			Weights: map[string]float64{
				ComponentTabular: 0.6,
				ComponentGraph:   0.25,
				ComponentAnomaly: 0.15,
			},
			EmbeddingDim:     128,
			LookupTimeout:    50 * time.Millisecond,
			ComponentTimeout: 40 * time.Millisecond,
			TotalTimeout:     2 * time.Second,
			ModelVersion:     "v1.0.0",
			Route:            RouteProduction,
			BatchLimit:       1000,
			BatchWorkers:     16,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		GeoIP: GeoIPConfig{
			HostingKeywords: []string{
				"amazon", "aws", "google", "azure", "microsoft",
				"digitalocean", "ovh", "hetzner", "linode",
				"vultr", "cloudflare", "hosting", "datacenter",
				"vpn", "proxy", "colocation",
			},
		},
		Worker: WorkerConfig{
			Enabled:   true,
			TenantIDs: []string{"default"},
		},
		Notify: NotifyConfig{
			Type: "log",
			Telegram: TelegramConfig{
				MaxRetries: 3,
				RetryDelay: time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			SampleRatio: 1.0,
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		EntityTTL:      10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel",
	}
	cfg.Velocity.Backend = "redis"
	cfg.Velocity.RedisAddr = "localhost:6379"
	cfg.History.Backend = "redis"
	cfg.History.RedisAddr = "localhost:6379"
	cfg.Tracing.Enabled = true
	cfg.Tracing.OTLPEndpoint = "localhost:4317"
	return cfg
}
