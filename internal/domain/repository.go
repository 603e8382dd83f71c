// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Entity risk records
	SaveCard(ctx context.Context, tenantID string, card *CardRecord) error
	GetCard(ctx context.Context, tenantID string, cardID string) (*CardRecord, error)
	SaveMerchant(ctx context.Context, tenantID string, merchant *MerchantRecord) error
	GetMerchant(ctx context.Context, tenantID string, merchantID string) (*MerchantRecord, error)
	SaveDevice(ctx context.Context, tenantID string, device *DeviceRecord) error
	GetDevice(ctx context.Context, tenantID string, deviceID string) (*DeviceRecord, error)

	// Decisions are insert-if-absent. inserted is false when a decision
	// for the transaction already exists; that is not an error.
	InsertDecision(ctx context.Context, tenantID string, d *Decision) (inserted bool, err error)
	GetDecision(ctx context.Context, tenantID string, txID string) (*Decision, error)

	// Alerts
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	ListAlerts(ctx context.Context, tenantID string, txID string) ([]*Alert, error)

	// Risk-factor rules
	SaveRiskRule(ctx context.Context, tenantID string, rule *RiskRule) error
	GetRiskRule(ctx context.Context, tenantID string, ruleID string) (*RiskRule, error)
	ListRiskRules(ctx context.Context, tenantID string) ([]*RiskRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
