// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	return Open(cfg)
}

// Open is New returning the concrete type.
func Open(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCard upserts a card record.
func (r *SQLRepository) SaveCard(ctx context.Context, tenantID string, card *domain.CardRecord) error {
	if card == nil {
		return fmt.Errorf("%w: card is required", ErrInvalidInput)
	}
	if err := requireEntity(tenantID, card.ID); err != nil {
		return err
	}

	now := time.Now().UTC()
	issued := card.IssuedAt
	if issued.IsZero() {
		issued = now
	}

	query := `
		INSERT INTO cards (
			id, tenant_id, account_id, home_country, home_city, risk_bucket,
			issued_at, isolation_score, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			account_id = excluded.account_id,
			home_country = excluded.home_country,
			home_city = excluded.home_city,
			risk_bucket = excluded.risk_bucket,
			issued_at = excluded.issued_at,
			isolation_score = excluded.isolation_score,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		card.ID, tenantID, card.AccountID, card.HomeCountry, card.HomeCity,
		string(bucketOrUnknown(card.RiskBucket)), issued.UTC(), card.IsolationScore,
		now, now,
	)
	return err
}

// GetCard retrieves a card record with tenant isolation.
func (r *SQLRepository) GetCard(ctx context.Context, tenantID string, cardID string) (*domain.CardRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, account_id, home_country, home_city, risk_bucket,
			   issued_at, isolation_score
		FROM cards
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.CardRecord
	var bucket string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, cardID).Scan(
		&c.ID, &c.TenantID, &c.AccountID, &c.HomeCountry, &c.HomeCity, &bucket,
		&c.IssuedAt, &c.IsolationScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.RiskBucket = domain.RiskBucket(bucket)
	c.Known = true
	return &c, nil
}

// SaveMerchant upserts a merchant record.
func (r *SQLRepository) SaveMerchant(ctx context.Context, tenantID string, m *domain.MerchantRecord) error {
	if m == nil {
		return fmt.Errorf("%w: merchant is required", ErrInvalidInput)
	}
	if err := requireEntity(tenantID, m.ID); err != nil {
		return err
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO merchants (
			id, tenant_id, name, mcc, city, country, risk_bucket,
			avg_ticket, transaction_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			mcc = excluded.mcc,
			city = excluded.city,
			country = excluded.country,
			risk_bucket = excluded.risk_bucket,
			avg_ticket = excluded.avg_ticket,
			transaction_count = excluded.transaction_count,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.ID, tenantID, m.Name, m.MCC, m.City, m.Country,
		string(bucketOrUnknown(m.RiskBucket)), m.AvgTicket, m.TransactionCount,
		now, now,
	)
	return err
}

// GetMerchant retrieves a merchant record with tenant isolation.
func (r *SQLRepository) GetMerchant(ctx context.Context, tenantID string, merchantID string) (*domain.MerchantRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, mcc, city, country, risk_bucket,
			   avg_ticket, transaction_count
		FROM merchants
		WHERE tenant_id = ? AND id = ?
	`

	var m domain.MerchantRecord
	var bucket string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, merchantID).Scan(
		&m.ID, &m.TenantID, &m.Name, &m.MCC, &m.City, &m.Country, &bucket,
		&m.AvgTicket, &m.TransactionCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.RiskBucket = domain.RiskBucket(bucket)
	m.Known = true
	return &m, nil
}

// SaveDevice upserts a device record.
func (r *SQLRepository) SaveDevice(ctx context.Context, tenantID string, d *domain.DeviceRecord) error {
	if d == nil {
		return fmt.Errorf("%w: device is required", ErrInvalidInput)
	}
	if err := requireEntity(tenantID, d.ID); err != nil {
		return err
	}

	now := time.Now().UTC()
	firstSeen, lastSeen := d.FirstSeen, d.LastSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	if lastSeen.IsZero() {
		lastSeen = firstSeen
	}

	query := `
		INSERT INTO devices (
			id, tenant_id, type, fingerprint, risk_bucket, is_proxy, is_vpn,
			card_count, first_seen, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			type = excluded.type,
			fingerprint = excluded.fingerprint,
			risk_bucket = excluded.risk_bucket,
			is_proxy = excluded.is_proxy,
			is_vpn = excluded.is_vpn,
			card_count = excluded.card_count,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, tenantID, d.Type, d.Fingerprint, string(bucketOrUnknown(d.RiskBucket)),
		boolToInt(d.IsProxy), boolToInt(d.IsVPN), d.CardCount,
		firstSeen.UTC(), lastSeen.UTC(), now, now,
	)
	return err
}

// GetDevice retrieves a device record with tenant isolation.
func (r *SQLRepository) GetDevice(ctx context.Context, tenantID string, deviceID string) (*domain.DeviceRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, type, fingerprint, risk_bucket, is_proxy, is_vpn,
			   card_count, first_seen, last_seen
		FROM devices
		WHERE tenant_id = ? AND id = ?
	`

	var d domain.DeviceRecord
	var bucket string
	var proxy, vpn int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, deviceID).Scan(
		&d.ID, &d.TenantID, &d.Type, &d.Fingerprint, &bucket, &proxy, &vpn,
		&d.CardCount, &d.FirstSeen, &d.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.RiskBucket = domain.RiskBucket(bucket)
	d.IsProxy = proxy == 1
	d.IsVPN = vpn == 1
	d.Known = true
	return &d, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func requireEntity(tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return nil
}

func bucketOrUnknown(b domain.RiskBucket) domain.RiskBucket {
	if b.Valid() {
		return b
	}
	return domain.RiskUnknown
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
