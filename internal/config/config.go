// Package config loads Kestrel configuration from file and environment.
package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. KESTREL_SCORING_THRESHOLD.
const EnvPrefix = "KESTREL"

// Load reads configuration from an optional file and environment variables.
// An empty path skips the file. KESTREL_TIER=pro switches the defaults to
// the pro tier before file and environment values are applied.
func Load(path string) (*domain.Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := domain.DefaultConfig()
	if strings.EqualFold(v.GetString("tier"), string(domain.TierPro)) {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides resolve.
func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("tier", string(d.Tier))

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	// Repository defaults
	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", d.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", d.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", d.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", d.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", d.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", d.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", d.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", d.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", d.Repository.ConnMaxLifetime)

	// Cache defaults
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", d.Cache.EnableTwoPhase)
	v.SetDefault("cache.entity_ttl", d.Cache.EntityTTL)

	// Event bus defaults
	v.SetDefault("eventbus.type", d.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", d.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", d.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", d.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", d.EventBus.NATSReconnectWait)
	v.SetDefault("eventbus.nats_queue_group", d.EventBus.NATSQueueGroup)

	// Velocity defaults
	v.SetDefault("velocity.backend", d.Velocity.Backend)
	v.SetDefault("velocity.windows", d.Velocity.Windows)
	v.SetDefault("velocity.reap_interval", d.Velocity.ReapInterval)
	v.SetDefault("velocity.idle_horizon", d.Velocity.IdleHorizon)
	v.SetDefault("velocity.redis_addr", d.Velocity.RedisAddr)
	v.SetDefault("velocity.redis_password", d.Velocity.RedisPassword)
	v.SetDefault("velocity.redis_db", d.Velocity.RedisDB)

	// History defaults
	v.SetDefault("history.backend", d.History.Backend)
	v.SetDefault("history.ttl", d.History.TTL)
	v.SetDefault("history.redis_addr", d.History.RedisAddr)
	v.SetDefault("history.redis_password", d.History.RedisPassword)
	v.SetDefault("history.redis_db", d.History.RedisDB)

	// Scoring defaults
	v.SetDefault("scoring.threshold", d.Scoring.Threshold)
	v.SetDefault("scoring.weights", d.Scoring.Weights)
	v.SetDefault("scoring.embedding_dim", d.Scoring.EmbeddingDim)
	v.SetDefault("scoring.embedding_url", d.Scoring.EmbeddingURL)
	v.SetDefault("scoring.lookup_timeout", d.Scoring.LookupTimeout)
	v.SetDefault("scoring.component_timeout", d.Scoring.ComponentTimeout)
	v.SetDefault("scoring.total_timeout", d.Scoring.TotalTimeout)
	v.SetDefault("scoring.model_version", d.Scoring.ModelVersion)
	v.SetDefault("scoring.model_path", d.Scoring.ModelPath)
	v.SetDefault("scoring.route", d.Scoring.Route)
	v.SetDefault("scoring.batch_limit", d.Scoring.BatchLimit)
	v.SetDefault("scoring.batch_workers", d.Scoring.BatchWorkers)
	v.SetDefault("scoring.breaker_threshold", d.Scoring.BreakerThreshold)
	v.SetDefault("scoring.breaker_cooldown", d.Scoring.BreakerCooldown)

	// GeoIP and calendar defaults
	v.SetDefault("geoip.city_db", d.GeoIP.CityDB)
	v.SetDefault("geoip.asn_db", d.GeoIP.ASNDB)
	v.SetDefault("geoip.hosting_keywords", d.GeoIP.HostingKeywords)
	v.SetDefault("holidays.extra", d.Holidays.Extra)

	// Alert handling defaults
	v.SetDefault("worker.enabled", d.Worker.Enabled)
	v.SetDefault("worker.tenant_ids", d.Worker.TenantIDs)
	v.SetDefault("notify.type", d.Notify.Type)
	v.SetDefault("notify.telegram.bot_token", d.Notify.Telegram.BotToken)
	v.SetDefault("notify.telegram.chat_id", d.Notify.Telegram.ChatID)
	v.SetDefault("notify.telegram.max_retries", d.Notify.Telegram.MaxRetries)
	v.SetDefault("notify.telegram.retry_delay", d.Notify.Telegram.RetryDelay)

	// Observability defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// Validate checks that all configuration values are valid.
func Validate(c *domain.Config) error {
	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Backends
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("repository.driver must be one of: sqlite, postgres")
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type must be one of: memory, redis")
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("eventbus.type must be one of: channel, nats")
	}
	switch c.Velocity.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("velocity.backend must be one of: memory, redis")
	}
	switch c.History.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("history.backend must be one of: memory, redis")
	}

	// Velocity windows
	if len(c.Velocity.Windows) == 0 {
		return fmt.Errorf("velocity.windows must contain at least one window")
	}
	for _, w := range c.Velocity.Windows {
		if w <= 0 {
			return fmt.Errorf("velocity.windows must be positive minutes, got %d", w)
		}
	}
	sort.Ints(c.Velocity.Windows)

	// Scoring
	s := c.Scoring
	if err := ValidateWeights(s.Weights); err != nil {
		return fmt.Errorf("scoring.weights: %w", err)
	}
	if s.Threshold < 0 || s.Threshold > 1 {
		return fmt.Errorf("scoring.threshold must be between 0.0 and 1.0")
	}
	if s.EmbeddingDim < 1 {
		return fmt.Errorf("scoring.embedding_dim must be at least 1")
	}
	if s.LookupTimeout <= 0 || s.ComponentTimeout <= 0 || s.TotalTimeout <= 0 {
		return fmt.Errorf("scoring timeouts must be positive")
	}
	if s.BatchLimit < 1 {
		return fmt.Errorf("scoring.batch_limit must be at least 1")
	}
	switch s.Route {
	case domain.RouteProduction, domain.RouteShadow, domain.RouteCanary:
	default:
		return fmt.Errorf("scoring.route must be one of: production, shadow, canary")
	}
	for i, o := range s.Overrides {
		if o.ModelVersion == "" && o.Segment == "" {
			return fmt.Errorf("scoring.overrides[%d] needs model_version or segment", i)
		}
		if o.Segment != "" {
			if _, ok := s.Segments[o.Segment]; !ok {
				return fmt.Errorf("scoring.overrides[%d]: unknown segment %q", i, o.Segment)
			}
		}
		if o.Weights != nil {
			if err := ValidateWeights(o.Weights); err != nil {
				return fmt.Errorf("scoring.overrides[%d].weights: %w", i, err)
			}
		}
		if o.Threshold != nil && (*o.Threshold < 0 || *o.Threshold > 1) {
			return fmt.Errorf("scoring.overrides[%d].threshold must be between 0.0 and 1.0", i)
		}
	}

	// Notifier
	switch c.Notify.Type {
	case "log", "none":
	case "telegram":
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.bot_token and chat_id are required when notify.type is telegram")
		}
	default:
		return fmt.Errorf("notify.type must be one of: log, telegram, none")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0.0 and 1.0")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// ValidateWeights checks that the three components are present, non-negative
// and sum to 1.0.
func ValidateWeights(w map[string]float64) error {
	sum := 0.0
	for _, name := range []string{domain.ComponentTabular, domain.ComponentGraph, domain.ComponentAnomaly} {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("missing weight for %s", name)
		}
		if v < 0 {
			return fmt.Errorf("weight for %s must not be negative", name)
		}
		sum += v
	}
	if len(w) != 3 {
		return fmt.Errorf("unexpected component in weights")
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}
