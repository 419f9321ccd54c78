package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveAlert stores or updates an alert with tenant isolation.
// Inserts create the triage record; updates carry lifecycle changes.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	relatedActivities, _ := json.Marshal(alert.RelatedActivities)
	evidence, _ := json.Marshal(alert.Evidence)
	recommendedActions, _ := json.Marshal(alert.RecommendedActions)

	falsePositive := 0
	if alert.FalsePositive {
		falsePositive = 1
	}

	query := `
		INSERT INTO alerts (
			id, tenant_id, user_id, alert_type, severity, status,
			title, description, related_activities, evidence,
			risk_score, recommended_actions, false_positive,
			assigned_to, resolution, rule_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			status = excluded.status,
			false_positive = excluded.false_positive,
			assigned_to = excluded.assigned_to,
			resolution = excluded.resolution,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.UserID,
		string(alert.AlertType), string(alert.Severity), string(alert.Status),
		alert.Title, alert.Description,
		string(relatedActivities), string(evidence),
		alert.RiskScore, string(recommendedActions), falsePositive,
		alert.AssignedTo, alert.Resolution, alert.RuleID,
		alert.CreatedAt, alert.UpdatedAt,
	)
	return err
}

// GetAlert retrieves an alert by ID with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, alert_type, severity, status,
			   title, description, related_activities, evidence,
			   risk_score, recommended_actions, false_positive,
			   assigned_to, resolution, rule_id, created_at, updated_at
		FROM alerts
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// QueryAlerts retrieves alerts matching the filter, newest first,
// with tenant isolation. Zero-value filter fields match everything.
func (r *SQLRepository) QueryAlerts(ctx context.Context, tenantID string, q domain.AlertQuery) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, alert_type, severity, status,
			   title, description, related_activities, evidence,
			   risk_score, recommended_actions, false_positive,
			   assigned_to, resolution, rule_id, created_at, updated_at
		FROM alerts
		WHERE tenant_id = ?
	`
	args := []interface{}{tenantID}

	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if len(q.Severities) > 0 {
		query += ` AND severity IN (` + placeholders(len(q.Severities)) + `)`
		for _, s := range q.Severities {
			args = append(args, string(s))
		}
	}
	if len(q.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(q.Statuses)) + `)`
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	if len(q.AlertTypes) > 0 {
		query += ` AND alert_type IN (` + placeholders(len(q.AlertTypes)) + `)`
		for _, t := range q.AlertTypes {
			args = append(args, string(t))
		}
	}
	if q.StartDate != nil {
		query += ` AND created_at >= ?`
		args = append(args, *q.StartDate)
	}
	if q.EndDate != nil {
		query += ` AND created_at <= ?`
		args = append(args, *q.EndDate)
	}

	query += ` ORDER BY created_at DESC`

	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, q.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

// CountAlertsByType returns total and false-positive counts for one
// alert type. Used for false-positive rate feedback on detection rules.
func (r *SQLRepository) CountAlertsByType(ctx context.Context, tenantID string, alertType domain.AlertType) (int64, int64, error) {
	if tenantID == "" {
		return 0, 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(false_positive), 0)
		FROM alerts
		WHERE tenant_id = ? AND alert_type = ?
	`

	var total, falsePositives int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(alertType)).
		Scan(&total, &falsePositives)
	if err != nil {
		return 0, 0, err
	}

	return total, falsePositives, nil
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var alert domain.Alert
	var alertType, severity, status string
	var relatedActivities, evidence, recommendedActions string
	var falsePositive int

	err := row.Scan(
		&alert.ID, &alert.TenantID, &alert.UserID,
		&alertType, &severity, &status,
		&alert.Title, &alert.Description,
		&relatedActivities, &evidence,
		&alert.RiskScore, &recommendedActions, &falsePositive,
		&alert.AssignedTo, &alert.Resolution, &alert.RuleID,
		&alert.CreatedAt, &alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.AlertType = domain.AlertType(alertType)
	alert.Severity = domain.Severity(severity)
	alert.Status = domain.AlertStatus(status)
	alert.FalsePositive = falsePositive == 1
	if relatedActivities != "" {
		json.Unmarshal([]byte(relatedActivities), &alert.RelatedActivities)
	}
	if evidence != "" {
		json.Unmarshal([]byte(evidence), &alert.Evidence)
	}
	if recommendedActions != "" {
		json.Unmarshal([]byte(recommendedActions), &alert.RecommendedActions)
	}

	return &alert, nil
}

// SaveBaseline stores a user baseline with tenant isolation.
// The whole record is replaced so readers never see a partial profile.
func (r *SQLRepository) SaveBaseline(ctx context.Context, tenantID string, baseline *domain.UserBaseline) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	profile, _ := json.Marshal(baseline.Profile)
	statistics, _ := json.Marshal(baseline.Statistics)
	thresholds, _ := json.Marshal(baseline.Thresholds)

	query := `
		INSERT INTO user_baselines (
			user_id, tenant_id, profile, statistics, thresholds, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, tenant_id) DO UPDATE SET
			profile = excluded.profile,
			statistics = excluded.statistics,
			thresholds = excluded.thresholds,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		baseline.UserID, tenantID,
		string(profile), string(statistics), string(thresholds),
		time.Now().UTC(),
	)
	return err
}

// GetBaseline retrieves a user baseline with tenant isolation.
func (r *SQLRepository) GetBaseline(ctx context.Context, tenantID string, userID string) (*domain.UserBaseline, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT user_id, tenant_id, profile, statistics, thresholds
		FROM user_baselines
		WHERE tenant_id = ? AND user_id = ?
	`

	var baseline domain.UserBaseline
	var profile, statistics, thresholds string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(
		&baseline.UserID, &baseline.TenantID,
		&profile, &statistics, &thresholds,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(profile), &baseline.Profile)
	json.Unmarshal([]byte(statistics), &baseline.Statistics)
	json.Unmarshal([]byte(thresholds), &baseline.Thresholds)

	return &baseline, nil
}

// SaveThreatIntel stores a threat indicator with tenant isolation.
// Indicators are keyed by value; re-ingestion refreshes the entry.
func (r *SQLRepository) SaveThreatIntel(ctx context.Context, tenantID string, entry *domain.ThreatIntelEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO threat_intel (
			id, tenant_id, value, type, severity, source,
			description, confidence, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, value) DO UPDATE SET
			type = excluded.type,
			severity = excluded.severity,
			source = excluded.source,
			description = excluded.description,
			confidence = excluded.confidence,
			expires_at = excluded.expires_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.Value,
		string(entry.Type), string(entry.Severity), entry.Source,
		entry.Description, entry.Confidence, entry.ExpiresAt, entry.CreatedAt,
	)
	return err
}

// GetThreatIntelByValue retrieves a threat indicator by its value.
// Expiry filtering is the caller's responsibility.
func (r *SQLRepository) GetThreatIntelByValue(ctx context.Context, tenantID string, value string) (*domain.ThreatIntelEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, value, type, severity, source,
			   description, confidence, expires_at, created_at
		FROM threat_intel
		WHERE tenant_id = ? AND value = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, value)
	entry, err := scanThreatIntel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListThreatIntel retrieves all threat indicators for a tenant.
func (r *SQLRepository) ListThreatIntel(ctx context.Context, tenantID string) ([]*domain.ThreatIntelEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, value, type, severity, source,
			   description, confidence, expires_at, created_at
		FROM threat_intel
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.ThreatIntelEntry
	for rows.Next() {
		entry, err := scanThreatIntel(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func scanThreatIntel(row rowScanner) (*domain.ThreatIntelEntry, error) {
	var entry domain.ThreatIntelEntry
	var threatType, severity string
	var expiresAt sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.TenantID, &entry.Value,
		&threatType, &severity, &entry.Source,
		&entry.Description, &entry.Confidence,
		&expiresAt, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Type = domain.ThreatType(threatType)
	entry.Severity = domain.Severity(severity)
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}

	return &entry, nil
}

// SavePortfolio stores portfolio aggregates and replaces its positions
// in one transaction.
func (r *SQLRepository) SavePortfolio(ctx context.Context, tenantID string, portfolio *domain.Portfolio, positions []*domain.Position) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO portfolios (
			id, tenant_id, total_value, cash_balance,
			total_equity, total_fixed_income, total_alternatives, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			total_value = excluded.total_value,
			cash_balance = excluded.cash_balance,
			total_equity = excluded.total_equity,
			total_fixed_income = excluded.total_fixed_income,
			total_alternatives = excluded.total_alternatives,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, r.rebind(upsert),
		portfolio.ID, tenantID,
		portfolio.TotalValue, portfolio.CashBalance,
		portfolio.TotalEquity, portfolio.TotalFixedIncome, portfolio.TotalAlternatives,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	del := `DELETE FROM positions WHERE tenant_id = ? AND portfolio_id = ?`
	if _, err := tx.ExecContext(ctx, r.rebind(del), tenantID, portfolio.ID); err != nil {
		return err
	}

	insert := `
		INSERT INTO positions (
			portfolio_id, tenant_id, security_id, symbol,
			quantity, market_value, asset_class, sector
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, pos := range positions {
		_, err := tx.ExecContext(ctx, r.rebind(insert),
			portfolio.ID, tenantID, pos.SecurityID, pos.Symbol,
			pos.Quantity, pos.MarketValue, pos.AssetClass, pos.Sector,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetPortfolio retrieves portfolio aggregates with tenant isolation.
func (r *SQLRepository) GetPortfolio(ctx context.Context, tenantID string, portfolioID string) (*domain.Portfolio, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, total_value, cash_balance,
			   total_equity, total_fixed_income, total_alternatives
		FROM portfolios
		WHERE tenant_id = ? AND id = ?
	`

	var p domain.Portfolio
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, portfolioID).Scan(
		&p.ID, &p.TenantID,
		&p.TotalValue, &p.CashBalance,
		&p.TotalEquity, &p.TotalFixedIncome, &p.TotalAlternatives,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// GetPositions retrieves a portfolio's positions with tenant isolation.
func (r *SQLRepository) GetPositions(ctx context.Context, tenantID string, portfolioID string) ([]*domain.Position, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT security_id, symbol, quantity, market_value, asset_class, sector
		FROM positions
		WHERE tenant_id = ? AND portfolio_id = ?
		ORDER BY market_value DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var pos domain.Position
		if err := rows.Scan(
			&pos.SecurityID, &pos.Symbol, &pos.Quantity,
			&pos.MarketValue, &pos.AssetClass, &pos.Sector,
		); err != nil {
			return nil, err
		}
		positions = append(positions, &pos)
	}

	return positions, rows.Err()
}
