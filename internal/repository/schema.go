package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaCards = `
CREATE TABLE IF NOT EXISTS cards (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL DEFAULT '',
    home_country TEXT NOT NULL DEFAULT '',
    home_city TEXT NOT NULL DEFAULT '',
    risk_bucket TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    isolation_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaMerchants = `
CREATE TABLE IF NOT EXISTS merchants (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    mcc TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    risk_bucket TEXT NOT NULL,
    avg_ticket DOUBLE PRECISION NOT NULL DEFAULT 0,
    transaction_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaDevices = `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL DEFAULT '',
    risk_bucket TEXT NOT NULL,
    is_proxy INTEGER NOT NULL DEFAULT 0,
    is_vpn INTEGER NOT NULL DEFAULT 0,
    card_count INTEGER NOT NULL DEFAULT 0,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

// schemaDecisions holds one row per scored transaction. The primary key
// enforces at most one decision per (tenant, transaction).
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    tx_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    p_fraud DOUBLE PRECISION NOT NULL,
    is_fraud INTEGER NOT NULL,
    threshold DOUBLE PRECISION NOT NULL,
    component_scores TEXT NOT NULL,
    components TEXT NOT NULL,
    explanation TEXT NOT NULL,
    degraded TEXT NOT NULL,
    model_version TEXT NOT NULL,
    route TEXT NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_fraud ON decisions(tenant_id, is_fraud);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    p_fraud DOUBLE PRECISION NOT NULL,
    reason TEXT NOT NULL,
    risk_factors TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tx ON alerts(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(tenant_id, status);
`

const schemaRiskRules = `
CREATE TABLE IF NOT EXISTS risk_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    factor TEXT NOT NULL,
    expression TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_risk_rules_enabled ON risk_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCards,
		schemaMerchants,
		schemaDevices,
		schemaDecisions,
		schemaAlerts,
		schemaRiskRules,
	}
}
