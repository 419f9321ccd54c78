// Package alerts manages the alert triage lifecycle: creation,
// status transitions, statistics, and the false-positive feedback
// loop back into detection rules.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// FalsePositiveRecorder receives feedback when an alert is marked a
// false positive. The detection engine implements it.
type FalsePositiveRecorder interface {
	RecordFalsePositive(ctx context.Context, tenantID string, alertType domain.AlertType) error
}

// Manager owns alert persistence and lifecycle transitions.
type Manager struct {
	repo     domain.Repository
	bus      domain.EventBus
	feedback FalsePositiveRecorder
}

// NewManager creates an alert manager. Bus and feedback are optional.
func NewManager(repo domain.Repository, bus domain.EventBus, feedback FalsePositiveRecorder) *Manager {
	return &Manager{
		repo:     repo,
		bus:      bus,
		feedback: feedback,
	}
}

// Create persists a new alert and announces it. Saving is an upsert
// keyed by alert ID, so redelivered events do not duplicate alerts.
func (m *Manager) Create(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.TenantID == "" {
		alert.TenantID = tenantID
	}
	if alert.Status == "" {
		alert.Status = domain.AlertStatusNew
	}
	if alert.Title == "" {
		alert.Title = alert.AlertType.Title()
	}
	if alert.Description == "" {
		alert.Description = alert.AlertType.Description()
	}

	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now

	if err := alert.Validate(); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}

	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}

	metrics.AlertsRaised.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	m.publish(ctx, tenantID, domain.TopicAlertRaised, alert)

	return nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, tenantID, alertID string) (*domain.Alert, error) {
	return m.repo.GetAlert(ctx, tenantID, alertID)
}

// Query returns alerts matching the filter, newest first.
func (m *Manager) Query(ctx context.Context, tenantID string, query *domain.AlertQuery) ([]*domain.Alert, error) {
	if query == nil {
		query = &domain.AlertQuery{}
	}
	return m.repo.QueryAlerts(ctx, tenantID, *query)
}

// UpdateStatus applies a lifecycle transition. Off-graph transitions
// are applied anyway and logged at warn level; marking an alert a
// false positive feeds the detection rules that raise its type.
func (m *Manager) UpdateStatus(ctx context.Context, tenantID, alertID string, update *domain.AlertStatusUpdate) (*domain.Alert, error) {
	if update == nil || update.Status == "" {
		return nil, fmt.Errorf("status is required")
	}
	if !update.Status.IsValid() {
		return nil, fmt.Errorf("unknown status %q", update.Status)
	}

	alert, err := m.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	if !alert.Status.CanTransitionTo(update.Status) {
		slog.Warn("alert transition outside lifecycle graph",
			"alertId", alertID,
			"from", alert.Status,
			"to", update.Status,
		)
	}

	alert.Status = update.Status
	if update.AssignedTo != "" {
		alert.AssignedTo = update.AssignedTo
	}
	if update.Resolution != "" {
		alert.Resolution = update.Resolution
	}
	if update.Status == domain.AlertStatusFalsePositive {
		alert.FalsePositive = true
	}
	alert.UpdatedAt = time.Now().UTC()

	if err := m.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	m.publish(ctx, tenantID, domain.TopicAlertUpdated, alert)

	if update.Status == domain.AlertStatusFalsePositive {
		metrics.FalsePositivesRecorded.WithLabelValues(string(alert.AlertType)).Inc()
		if m.feedback != nil {
			if err := m.feedback.RecordFalsePositive(ctx, tenantID, alert.AlertType); err != nil {
				slog.Error("false-positive feedback failed", "alertId", alertID, "error", err)
			}
		}
	}

	return alert, nil
}

// Statistics aggregates the tenant's alerts: counts by type, severity
// and status, the false-positive rate, and the mean age of resolved
// alerts.
func (m *Manager) Statistics(ctx context.Context, tenantID string) (*domain.AlertStatistics, error) {
	alerts, err := m.repo.QueryAlerts(ctx, tenantID, domain.AlertQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	stats := &domain.AlertStatistics{
		Total:       int64(len(alerts)),
		ByType:      make(map[domain.AlertType]int64),
		BySeverity:  make(map[domain.Severity]int64),
		ByStatus:    make(map[domain.AlertStatus]int64),
		GeneratedAt: time.Now().UTC(),
	}

	now := time.Now().UTC()
	var falsePositives int64
	var resolved int64
	var resolutionSumMs int64

	for _, a := range alerts {
		stats.ByType[a.AlertType]++
		stats.BySeverity[a.Severity]++
		stats.ByStatus[a.Status]++
		if a.FalsePositive {
			falsePositives++
		}
		if a.Status == domain.AlertStatusResolved {
			resolved++
			resolutionSumMs += now.Sub(a.CreatedAt).Milliseconds()
		}
	}

	if resolved > 0 {
		stats.MeanResolutionMs = resolutionSumMs / resolved
	}
	if stats.Total > 0 {
		stats.FalsePositiveRate = float64(falsePositives) / float64(stats.Total)
	}

	return stats, nil
}

func (m *Manager) publish(ctx context.Context, tenantID, topic string, alert *domain.Alert) {
	if m.bus == nil {
		return
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to marshal alert", "alertId", alert.ID, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish alert event", "topic", topic, "alertId", alert.ID, "error", err)
	}
}
