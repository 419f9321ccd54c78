package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaActivityEvents = `
CREATE TABLE IF NOT EXISTS activity_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    activity_type TEXT NOT NULL,
    action TEXT NOT NULL,
    resource TEXT,
    ip_address TEXT,
    user_agent TEXT,
    device_info TEXT,
    location TEXT,
    timestamp TIMESTAMP NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_score REAL NOT NULL DEFAULT 0,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_activity_tenant ON activity_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_events(tenant_id, user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_events(tenant_id, timestamp);
`

const schemaComplianceRules = `
CREATE TABLE IF NOT EXISTS compliance_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    jurisdiction TEXT NOT NULL,
    rule_expression TEXT NOT NULL,
    warn_expression TEXT,
    dialect TEXT NOT NULL DEFAULT 'native',
    parameters TEXT,
    effective_date TIMESTAMP,
    version TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_compliance_rules_tenant ON compliance_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_compliance_rules_active ON compliance_rules(tenant_id, is_active);
CREATE INDEX IF NOT EXISTS idx_compliance_rules_code ON compliance_rules(tenant_id, code);
`

const schemaDetectionRules = `
CREATE TABLE IF NOT EXISTS detection_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    conditions TEXT NOT NULL,
    threshold REAL NOT NULL DEFAULT 0.6,
    time_window_secs INTEGER NOT NULL DEFAULT 0,
    cooldown_secs INTEGER NOT NULL DEFAULT 0,
    last_triggered TIMESTAMP,
    trigger_count INTEGER NOT NULL DEFAULT 0,
    false_positive_rate REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_detection_rules_tenant ON detection_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_detection_rules_enabled ON detection_rules(tenant_id, enabled);
`

const schemaComplianceResults = `
CREATE TABLE IF NOT EXISTS compliance_results (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_code TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT,
    actual_value TEXT,
    expected_value TEXT,
    evaluated_at TIMESTAMP NOT NULL,
    evaluation_time_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_compliance_results_tenant ON compliance_results(tenant_id);
CREATE INDEX IF NOT EXISTS idx_compliance_results_portfolio ON compliance_results(tenant_id, portfolio_id, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_compliance_results_status ON compliance_results(tenant_id, status);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    related_activities TEXT,
    evidence TEXT,
    risk_score REAL NOT NULL DEFAULT 0,
    recommended_actions TEXT,
    false_positive INTEGER NOT NULL DEFAULT 0,
    assigned_to TEXT,
    resolution TEXT,
    rule_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(tenant_id, alert_type);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(tenant_id, created_at);
`

const schemaUserBaselines = `
CREATE TABLE IF NOT EXISTS user_baselines (
    user_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    profile TEXT NOT NULL,
    statistics TEXT NOT NULL,
    thresholds TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_baselines_tenant ON user_baselines(tenant_id);
`

const schemaThreatIntel = `
CREATE TABLE IF NOT EXISTS threat_intel (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    value TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    source TEXT NOT NULL,
    description TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, value)
);

CREATE INDEX IF NOT EXISTS idx_threat_intel_tenant ON threat_intel(tenant_id);
CREATE INDEX IF NOT EXISTS idx_threat_intel_type ON threat_intel(tenant_id, type);
`

const schemaPortfolios = `
CREATE TABLE IF NOT EXISTS portfolios (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    total_value REAL NOT NULL DEFAULT 0,
    cash_balance REAL NOT NULL DEFAULT 0,
    total_equity REAL NOT NULL DEFAULT 0,
    total_fixed_income REAL NOT NULL DEFAULT 0,
    total_alternatives REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_portfolios_tenant ON portfolios(tenant_id);
`

const schemaPositions = `
CREATE TABLE IF NOT EXISTS positions (
    portfolio_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    security_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity REAL NOT NULL DEFAULT 0,
    market_value REAL NOT NULL DEFAULT 0,
    asset_class TEXT NOT NULL,
    sector TEXT,
    PRIMARY KEY (portfolio_id, tenant_id, security_id)
);

CREATE INDEX IF NOT EXISTS idx_positions_portfolio ON positions(tenant_id, portfolio_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaActivityEvents,
		schemaComplianceRules,
		schemaDetectionRules,
		schemaComplianceResults,
		schemaAlerts,
		schemaUserBaselines,
		schemaThreatIntel,
		schemaPortfolios,
		schemaPositions,
	}
}
