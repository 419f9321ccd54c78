// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Activity operations
	SaveActivity(ctx context.Context, tenantID string, event *ActivityEvent) error
	GetActivity(ctx context.Context, tenantID string, eventID string) (*ActivityEvent, error)
	GetActivitiesByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*ActivityEvent, error)
	ListActiveUsers(ctx context.Context, tenantID string, since time.Time) ([]string, error)

	// Compliance rule operations
	SaveComplianceRule(ctx context.Context, tenantID string, rule *ComplianceRule) error
	GetComplianceRule(ctx context.Context, tenantID string, ruleID string) (*ComplianceRule, error)
	ListComplianceRules(ctx context.Context, tenantID string) ([]*ComplianceRule, error)
	DeleteComplianceRule(ctx context.Context, tenantID string, ruleID string) error

	// Detection rule operations
	SaveDetectionRule(ctx context.Context, tenantID string, rule *DetectionRule) error
	GetDetectionRule(ctx context.Context, tenantID string, ruleID string) (*DetectionRule, error)
	ListDetectionRules(ctx context.Context, tenantID string) ([]*DetectionRule, error)
	DeleteDetectionRule(ctx context.Context, tenantID string, ruleID string) error

	// Compliance results
	SaveComplianceResult(ctx context.Context, tenantID string, result *ComplianceResult) error
	ListComplianceResults(ctx context.Context, tenantID string, portfolioID string, limit int) ([]*ComplianceResult, error)

	// Alert operations
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*Alert, error)
	QueryAlerts(ctx context.Context, tenantID string, q AlertQuery) ([]*Alert, error)
	CountAlertsByType(ctx context.Context, tenantID string, alertType AlertType) (total int64, falsePositives int64, err error)

	// Baseline operations
	SaveBaseline(ctx context.Context, tenantID string, baseline *UserBaseline) error
	GetBaseline(ctx context.Context, tenantID string, userID string) (*UserBaseline, error)

	// Threat intelligence
	SaveThreatIntel(ctx context.Context, tenantID string, entry *ThreatIntelEntry) error
	GetThreatIntelByValue(ctx context.Context, tenantID string, value string) (*ThreatIntelEntry, error)
	ListThreatIntel(ctx context.Context, tenantID string) ([]*ThreatIntelEntry, error)

	// Portfolio collaborator data
	SavePortfolio(ctx context.Context, tenantID string, portfolio *Portfolio, positions []*Position) error
	GetPortfolio(ctx context.Context, tenantID string, portfolioID string) (*Portfolio, error)
	GetPositions(ctx context.Context, tenantID string, portfolioID string) ([]*Position, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
