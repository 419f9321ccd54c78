// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
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

	// Run migrations
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

// SaveActivity stores an activity event with tenant isolation.
// Events are immutable once written.
func (r *SQLRepository) SaveActivity(ctx context.Context, tenantID string, event *domain.ActivityEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	deviceInfo, _ := json.Marshal(event.DeviceInfo)
	location, _ := json.Marshal(event.Location)
	metadata, _ := json.Marshal(event.Metadata)

	query := `
		INSERT INTO activity_events (
			id, tenant_id, user_id, activity_type, action, resource,
			ip_address, user_agent, device_info, location,
			timestamp, severity, status, risk_score, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, tenantID, event.UserID,
		event.ActivityType, event.Action, event.Resource,
		event.IPAddress, event.UserAgent,
		string(deviceInfo), string(location),
		event.Timestamp, string(event.Severity), event.Status,
		event.RiskScore, string(metadata),
	)
	return err
}

// GetActivity retrieves an activity event by ID with tenant isolation.
func (r *SQLRepository) GetActivity(ctx context.Context, tenantID string, eventID string) (*domain.ActivityEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, activity_type, action, resource,
			   ip_address, user_agent, device_info, location,
			   timestamp, severity, status, risk_score, metadata
		FROM activity_events
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID)
	event, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// GetActivitiesByUser retrieves a user's events since a point in time,
// newest first, with tenant isolation.
func (r *SQLRepository) GetActivitiesByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.ActivityEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, activity_type, action, resource,
			   ip_address, user_agent, device_info, location,
			   timestamp, severity, status, risk_score, metadata
		FROM activity_events
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.ActivityEvent
	for rows.Next() {
		event, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// ListActiveUsers returns the distinct users with activity since a point
// in time. Used by the baseline recomputation job.
func (r *SQLRepository) ListActiveUsers(ctx context.Context, tenantID string, since time.Time) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT DISTINCT user_id
		FROM activity_events
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY user_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}

	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivity(row rowScanner) (*domain.ActivityEvent, error) {
	var event domain.ActivityEvent
	var deviceInfo, location, metadata string
	var severity string

	err := row.Scan(
		&event.ID, &event.TenantID, &event.UserID,
		&event.ActivityType, &event.Action, &event.Resource,
		&event.IPAddress, &event.UserAgent,
		&deviceInfo, &location,
		&event.Timestamp, &severity, &event.Status,
		&event.RiskScore, &metadata,
	)
	if err != nil {
		return nil, err
	}

	event.Severity = domain.Severity(severity)
	if deviceInfo != "" {
		json.Unmarshal([]byte(deviceInfo), &event.DeviceInfo)
	}
	if location != "" {
		json.Unmarshal([]byte(location), &event.Location)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &event.Metadata)
	}

	return &event, nil
}

// SaveComplianceRule stores a compliance rule with tenant isolation.
// Re-saving an existing rule ID updates it in place.
func (r *SQLRepository) SaveComplianceRule(ctx context.Context, tenantID string, rule *domain.ComplianceRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	parameters, _ := json.Marshal(rule.Parameters)

	isActive := 0
	if rule.IsActive {
		isActive = 1
	}

	dialect := rule.Dialect
	if dialect == "" {
		dialect = domain.DialectNative
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO compliance_rules (
			id, tenant_id, code, name, description, jurisdiction,
			rule_expression, warn_expression, dialect, parameters,
			effective_date, version, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			description = excluded.description,
			jurisdiction = excluded.jurisdiction,
			rule_expression = excluded.rule_expression,
			warn_expression = excluded.warn_expression,
			dialect = excluded.dialect,
			parameters = excluded.parameters,
			effective_date = excluded.effective_date,
			version = excluded.version,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Code, rule.Name, rule.Description,
		rule.Jurisdiction, rule.RuleExpression, rule.WarnExpression,
		dialect, string(parameters),
		rule.EffectiveDate, rule.Version, isActive,
		now, now,
	)
	return err
}

// GetComplianceRule retrieves an active compliance rule with tenant isolation.
func (r *SQLRepository) GetComplianceRule(ctx context.Context, tenantID string, ruleID string) (*domain.ComplianceRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, name, description, jurisdiction,
			   rule_expression, warn_expression, dialect, parameters,
			   effective_date, version, is_active, created_at, updated_at
		FROM compliance_rules
		WHERE tenant_id = ? AND id = ? AND is_active = 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanComplianceRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListComplianceRules retrieves all active compliance rules for a tenant.
func (r *SQLRepository) ListComplianceRules(ctx context.Context, tenantID string) ([]*domain.ComplianceRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, name, description, jurisdiction,
			   rule_expression, warn_expression, dialect, parameters,
			   effective_date, version, is_active, created_at, updated_at
		FROM compliance_rules
		WHERE tenant_id = ? AND is_active = 1
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ComplianceRule
	for rows.Next() {
		rule, err := scanComplianceRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteComplianceRule soft-deletes a compliance rule by clearing is_active.
func (r *SQLRepository) DeleteComplianceRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE compliance_rules
		SET is_active = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanComplianceRule(row rowScanner) (*domain.ComplianceRule, error) {
	var rule domain.ComplianceRule
	var parameters string
	var isActive int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Code, &rule.Name, &rule.Description,
		&rule.Jurisdiction, &rule.RuleExpression, &rule.WarnExpression,
		&rule.Dialect, &parameters,
		&rule.EffectiveDate, &rule.Version, &isActive,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.IsActive = isActive == 1
	if parameters != "" {
		json.Unmarshal([]byte(parameters), &rule.Parameters)
	}

	return &rule, nil
}

// SaveDetectionRule stores a detection rule with tenant isolation.
// Trigger state (last fire, count, false-positive rate) is persisted too.
func (r *SQLRepository) SaveDetectionRule(ctx context.Context, tenantID string, rule *domain.DetectionRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO detection_rules (
			id, tenant_id, name, description, alert_type, severity, enabled,
			conditions, threshold, time_window_secs, cooldown_secs,
			last_triggered, trigger_count, false_positive_rate,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			alert_type = excluded.alert_type,
			severity = excluded.severity,
			enabled = excluded.enabled,
			conditions = excluded.conditions,
			threshold = excluded.threshold,
			time_window_secs = excluded.time_window_secs,
			cooldown_secs = excluded.cooldown_secs,
			last_triggered = excluded.last_triggered,
			trigger_count = excluded.trigger_count,
			false_positive_rate = excluded.false_positive_rate,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		string(rule.AlertType), string(rule.Severity), enabled,
		string(conditions), rule.Threshold,
		rule.TimeWindowSecs, rule.CooldownSecs,
		rule.LastTriggered, rule.TriggerCount, rule.FalsePositiveRate,
		now, now,
	)
	return err
}

// GetDetectionRule retrieves an enabled detection rule with tenant isolation.
func (r *SQLRepository) GetDetectionRule(ctx context.Context, tenantID string, ruleID string) (*domain.DetectionRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, alert_type, severity, enabled,
			   conditions, threshold, time_window_secs, cooldown_secs,
			   last_triggered, trigger_count, false_positive_rate,
			   created_at, updated_at
		FROM detection_rules
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanDetectionRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListDetectionRules retrieves all enabled detection rules for a tenant.
func (r *SQLRepository) ListDetectionRules(ctx context.Context, tenantID string) ([]*domain.DetectionRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, alert_type, severity, enabled,
			   conditions, threshold, time_window_secs, cooldown_secs,
			   last_triggered, trigger_count, false_positive_rate,
			   created_at, updated_at
		FROM detection_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.DetectionRule
	for rows.Next() {
		rule, err := scanDetectionRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteDetectionRule soft-deletes a detection rule by clearing enabled.
func (r *SQLRepository) DeleteDetectionRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE detection_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanDetectionRule(row rowScanner) (*domain.DetectionRule, error) {
	var rule domain.DetectionRule
	var conditions string
	var alertType, severity string
	var enabled int
	var lastTriggered sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&alertType, &severity, &enabled,
		&conditions, &rule.Threshold,
		&rule.TimeWindowSecs, &rule.CooldownSecs,
		&lastTriggered, &rule.TriggerCount, &rule.FalsePositiveRate,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.AlertType = domain.AlertType(alertType)
	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1
	if lastTriggered.Valid {
		t := lastTriggered.Time
		rule.LastTriggered = &t
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse rule conditions for %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// SaveComplianceResult stores an evaluation outcome with tenant isolation.
func (r *SQLRepository) SaveComplianceResult(ctx context.Context, tenantID string, result *domain.ComplianceResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	actualValue, _ := json.Marshal(result.ActualValue)
	expectedValue, _ := json.Marshal(result.ExpectedValue)

	query := `
		INSERT INTO compliance_results (
			id, tenant_id, rule_id, rule_code, portfolio_id,
			status, severity, message, actual_value, expected_value,
			evaluated_at, evaluation_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.ID, tenantID, result.RuleID, result.RuleCode, result.PortfolioID,
		string(result.Status), string(result.Severity), result.Message,
		string(actualValue), string(expectedValue),
		result.EvaluatedAt, result.EvaluationTimeMs,
	)
	return err
}

// ListComplianceResults retrieves recent results for a portfolio,
// newest first, with tenant isolation.
func (r *SQLRepository) ListComplianceResults(ctx context.Context, tenantID string, portfolioID string, limit int) ([]*domain.ComplianceResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, rule_id, rule_code, portfolio_id,
			   status, severity, message, actual_value, expected_value,
			   evaluated_at, evaluation_time_ms
		FROM compliance_results
		WHERE tenant_id = ? AND portfolio_id = ?
		ORDER BY evaluated_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, portfolioID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.ComplianceResult
	for rows.Next() {
		var res domain.ComplianceResult
		var status, severity string
		var actualValue, expectedValue string

		if err := rows.Scan(
			&res.ID, &res.TenantID, &res.RuleID, &res.RuleCode, &res.PortfolioID,
			&status, &severity, &res.Message, &actualValue, &expectedValue,
			&res.EvaluatedAt, &res.EvaluationTimeMs,
		); err != nil {
			return nil, err
		}

		res.Status = domain.ComplianceStatus(status)
		res.Severity = domain.Severity(severity)
		if actualValue != "" {
			json.Unmarshal([]byte(actualValue), &res.ActualValue)
		}
		if expectedValue != "" {
			json.Unmarshal([]byte(expectedValue), &res.ExpectedValue)
		}

		results = append(results, &res)
	}

	return results, rows.Err()
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

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// placeholders returns n comma-separated ? placeholders for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
