// Package detect implements the suspicious-activity engine. Every
// ingested event runs through four independent passes (weighted rules,
// statistical deviation, behavioral checks, threat intelligence); a
// failing pass is logged and skipped so the remaining signals still
// fire.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expr"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// ThreatLookup resolves an indicator value against threat intelligence.
// A nil entry means no live match.
type ThreatLookup interface {
	Lookup(ctx context.Context, tenantID, value string) (*domain.ThreatIntelEntry, error)
}

// Engine runs detection rules and anomaly checks over activity events.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*ruleState

	repo    domain.Repository
	cache   domain.Cache
	threats ThreatLookup

	defaultWindow time.Duration
}

// ruleState pairs a rule with the mutex that serializes its
// cooldown check-and-fire.
type ruleState struct {
	mu   sync.Mutex
	rule *domain.DetectionRule
}

// NewEngine creates a detection engine. Cache and threat lookup are
// optional; without them baseline reads go straight to the repository
// and the threat-intel pass is skipped.
func NewEngine(repo domain.Repository, cache domain.Cache, threats ThreatLookup, defaultWindow time.Duration) *Engine {
	if defaultWindow <= 0 {
		defaultWindow = time.Hour
	}
	return &Engine{
		rules:         make(map[string]*ruleState),
		repo:          repo,
		cache:         cache,
		threats:       threats,
		defaultWindow: defaultWindow,
	}
}

// ValidateRule checks a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.DetectionRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	for i, cond := range rule.Conditions {
		if !expr.SupportedOperator(cond.Operator) {
			return fmt.Errorf("condition %d: unsupported operator %q", i, cond.Operator)
		}
	}
	return nil
}

// LoadRule validates and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.DetectionRule) error {
	if err := e.ValidateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules[rule.ID] = &ruleState{rule: rule}

	return nil
}

// LoadRules loads the enabled rules from the slice.
func (e *Engine) LoadRules(rules []*domain.DetectionRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnloadRule removes a rule from the engine if it is loaded.
func (e *Engine) UnloadRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// ReloadRules clears all existing rules and loads new ones.
func (e *Engine) ReloadRules(rules []*domain.DetectionRule) error {
	newRules := make(map[string]*ruleState)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.ValidateRule(rule); err != nil {
			return err
		}
		newRules[rule.ID] = &ruleState{rule: rule}
	}

	e.mu.Lock()
	e.rules = newRules
	e.mu.Unlock()

	return nil
}

// ReloadTenantRules replaces one tenant's rules, leaving every other
// tenant's loaded rules untouched. Nothing is swapped if any rule
// fails validation.
func (e *Engine) ReloadTenantRules(tenantID string, rules []*domain.DetectionRule) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	incoming := make(map[string]*ruleState)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.ValidateRule(rule); err != nil {
			return err
		}
		incoming[rule.ID] = &ruleState{rule: rule}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, st := range e.rules {
		if st.rule.TenantID == tenantID {
			delete(e.rules, id)
		}
	}
	for id, st := range incoming {
		e.rules[id] = st
	}

	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// GetLoadedRules returns the currently loaded rule definitions.
func (e *Engine) GetLoadedRules() []*domain.DetectionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.DetectionRule, 0, len(e.rules))
	for _, st := range e.rules {
		rules = append(rules, st.rule)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*ruleState)
	return nil
}

// AnalyzeActivity runs all four detection passes over one event and
// returns the alerts they raised. Alerts are not persisted here; the
// caller hands them to the alert manager.
func (e *Engine) AnalyzeActivity(ctx context.Context, event *domain.ActivityEvent) ([]*domain.Alert, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	if event.TenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	start := time.Now()
	defer func() {
		metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	}()

	var alerts []*domain.Alert

	ruleAlerts, err := e.runRulePass(ctx, event)
	if err != nil {
		slog.Error("rule pass failed", "userId", event.UserID, "error", err)
	}
	alerts = append(alerts, ruleAlerts...)

	baseline := e.loadBaseline(ctx, event.TenantID, event.UserID)

	statAlerts, err := e.runStatisticalPass(ctx, event, baseline)
	if err != nil {
		slog.Error("statistical pass failed", "userId", event.UserID, "error", err)
	}
	alerts = append(alerts, statAlerts...)

	behavioralAlerts := e.runBehavioralPass(event, baseline)
	alerts = append(alerts, behavioralAlerts...)

	threatAlerts, err := e.runThreatIntelPass(ctx, event)
	if err != nil {
		slog.Error("threat intel pass failed", "userId", event.UserID, "error", err)
	}
	alerts = append(alerts, threatAlerts...)

	return alerts, nil
}

// runRulePass scores every enabled rule for the tenant against the
// event and its recent activity window.
func (e *Engine) runRulePass(ctx context.Context, event *domain.ActivityEvent) ([]*domain.Alert, error) {
	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		if st.rule.TenantID == event.TenantID && st.rule.Enabled {
			states = append(states, st)
		}
	}
	e.mu.RUnlock()

	if len(states) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var alerts []*domain.Alert
	var firstErr error

	// Rules sharing a window length share one fetch.
	windows := make(map[time.Duration][]*domain.ActivityEvent)

	for _, st := range states {
		st.mu.Lock()
		inCooldown := st.rule.InCooldown(now)
		st.mu.Unlock()
		if inCooldown {
			continue
		}

		window := st.rule.TimeWindow(e.defaultWindow)
		recent, ok := windows[window]
		if !ok {
			var err error
			recent, err = e.repo.GetActivitiesByUser(ctx, event.TenantID, event.UserID, now.Add(-window))
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			windows[window] = recent
		}

		score, evidence := scoreRule(st.rule, event, recent)
		if score < st.rule.Threshold {
			continue
		}

		// Re-check under the lock: a concurrent evaluation may have
		// fired this rule while we were scoring.
		st.mu.Lock()
		if st.rule.InCooldown(time.Now().UTC()) {
			st.mu.Unlock()
			continue
		}
		fired := time.Now().UTC()
		st.rule.LastTriggered = &fired
		st.rule.TriggerCount++
		snapshot := *st.rule
		st.mu.Unlock()

		if err := e.repo.SaveDetectionRule(ctx, event.TenantID, &snapshot); err != nil {
			slog.Error("failed to persist rule trigger state", "ruleId", snapshot.ID, "error", err)
		}

		alert := e.newAlert(event, snapshot.AlertType, snapshot.Severity, score, evidence)
		alert.RuleID = snapshot.ID
		alerts = append(alerts, alert)
	}

	return alerts, firstErr
}

// runStatisticalPass compares the event against the user's baseline.
// Baselines with too little history are skipped entirely.
func (e *Engine) runStatisticalPass(ctx context.Context, event *domain.ActivityEvent, baseline *domain.UserBaseline) ([]*domain.Alert, error) {
	if !baseline.Trustworthy() {
		return nil, nil
	}

	var alerts []*domain.Alert

	hour := event.Timestamp.Hour()
	if len(baseline.Profile.TypicalHours) > 0 && !baseline.HasTypicalHour(hour) {
		alerts = append(alerts, e.newAlert(event, domain.AlertUnusualTime, domain.SeverityMedium, 0.5, []domain.Evidence{{
			Field:       "timestamp",
			Observed:    hour,
			Expected:    baseline.Profile.TypicalHours,
			Description: fmt.Sprintf("activity at hour %02d, outside typical hours", hour),
		}}))
	}

	if event.Location != nil && event.Location.City != "" &&
		len(baseline.Profile.CommonLocations) > 0 && !baseline.HasCommonLocation(event.Location.City) {
		alerts = append(alerts, e.newAlert(event, domain.AlertUnusualLocation, domain.SeverityMedium, 0.6, []domain.Evidence{{
			Field:       "location.city",
			Observed:    event.Location.City,
			Expected:    baseline.Profile.CommonLocations,
			Description: fmt.Sprintf("activity from %s, not a common location", event.Location.City),
		}}))
	}

	if baseline.Profile.NormalActivityVolume > 0 {
		multiplier := baseline.Thresholds.VolumeMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}

		recent, err := e.repo.GetActivitiesByUser(ctx, event.TenantID, event.UserID, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			return alerts, fmt.Errorf("failed to count daily volume: %w", err)
		}

		volume := float64(len(recent))
		limit := multiplier * baseline.Profile.NormalActivityVolume
		if volume > limit {
			risk := volume / (limit * 2)
			if risk > 1 {
				risk = 1
			}
			alerts = append(alerts, e.newAlert(event, domain.AlertHighActivityVolume, domain.SeverityMedium, risk, []domain.Evidence{{
				Field:       "activity_count",
				Observed:    len(recent),
				Expected:    limit,
				Description: fmt.Sprintf("%d activities in 24h against a normal volume of %.1f", len(recent), baseline.Profile.NormalActivityVolume),
			}}))
		}
	}

	return alerts, nil
}

// runBehavioralPass checks device novelty and privilege escalation.
// The escalation check is signature based and works without a baseline.
func (e *Engine) runBehavioralPass(event *domain.ActivityEvent, baseline *domain.UserBaseline) []*domain.Alert {
	var alerts []*domain.Alert

	if event.DeviceInfo != nil && event.DeviceInfo.DeviceType != "" &&
		baseline.Trustworthy() && len(baseline.Profile.TypicalDevices) > 0 &&
		!baseline.HasTypicalDevice(event.DeviceInfo.DeviceType) {
		alerts = append(alerts, e.newAlert(event, domain.AlertUnusualDevice, domain.SeverityMedium, 0.5, []domain.Evidence{{
			Field:       "deviceInfo.deviceType",
			Observed:    event.DeviceInfo.DeviceType,
			Expected:    baseline.Profile.TypicalDevices,
			Description: fmt.Sprintf("first activity from a %s device", event.DeviceInfo.DeviceType),
		}}))
	}

	if isPrivilegeEscalation(event) {
		alerts = append(alerts, e.newAlert(event, domain.AlertPrivilegeEscalation, domain.SeverityHigh, 0.8, []domain.Evidence{{
			Field:       "action",
			Observed:    event.Action,
			Description: fmt.Sprintf("privilege-changing action %q", event.Action),
		}}))
	}

	return alerts
}

// runThreatIntelPass matches the event's network indicators against
// live threat intelligence.
func (e *Engine) runThreatIntelPass(ctx context.Context, event *domain.ActivityEvent) ([]*domain.Alert, error) {
	if e.threats == nil {
		return nil, nil
	}

	indicators := []struct {
		field string
		value string
	}{
		{"ipAddress", event.IPAddress},
		{"userAgent", event.UserAgent},
	}

	var alerts []*domain.Alert
	for _, ind := range indicators {
		if ind.value == "" {
			continue
		}

		entry, err := e.threats.Lookup(ctx, event.TenantID, ind.value)
		if err != nil {
			return alerts, err
		}
		if entry == nil {
			continue
		}

		alerts = append(alerts, e.newAlert(event, domain.AlertThreatIntelMatch, entry.Severity, entry.Confidence, []domain.Evidence{{
			Field:       ind.field,
			Observed:    ind.value,
			Description: fmt.Sprintf("matched %s indicator from %s", entry.Type, entry.Source),
		}}))
	}

	return alerts, nil
}

// RecordFalsePositive refreshes the false-positive rate of every
// loaded rule that fires the given alert type. The rate is the
// fraction of that type's alerts marked false positive.
func (e *Engine) RecordFalsePositive(ctx context.Context, tenantID string, alertType domain.AlertType) error {
	total, falsePositives, err := e.repo.CountAlertsByType(ctx, tenantID, alertType)
	if err != nil {
		return fmt.Errorf("failed to count alerts for %s: %w", alertType, err)
	}
	if total == 0 {
		return nil
	}
	rate := float64(falsePositives) / float64(total)

	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		if st.rule.TenantID == tenantID && st.rule.AlertType == alertType {
			states = append(states, st)
		}
	}
	e.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		st.rule.FalsePositiveRate = rate
		snapshot := *st.rule
		st.mu.Unlock()

		if err := e.repo.SaveDetectionRule(ctx, tenantID, &snapshot); err != nil {
			return fmt.Errorf("failed to persist false-positive rate for rule %s: %w", snapshot.ID, err)
		}
	}

	return nil
}

// loadBaseline reads the user's baseline, preferring cache over the
// repository. A missing baseline returns nil, which disables the
// baseline-gated checks.
func (e *Engine) loadBaseline(ctx context.Context, tenantID, userID string) *domain.UserBaseline {
	if e.cache != nil {
		if b, err := e.cache.GetBaseline(ctx, tenantID, userID); err == nil && b != nil {
			return b
		}
	}

	b, err := e.repo.GetBaseline(ctx, tenantID, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Debug("baseline lookup failed", "userId", userID, "error", err)
		}
		return nil
	}
	return b
}

// newAlert builds an alert from the catalog entry for its type.
// Critical alerts enter the queue already escalated.
func (e *Engine) newAlert(event *domain.ActivityEvent, alertType domain.AlertType, severity domain.Severity, riskScore float64, evidence []domain.Evidence) *domain.Alert {
	now := time.Now().UTC()

	status := domain.AlertStatusNew
	if severity == domain.SeverityCritical {
		status = domain.AlertStatusEscalated
	}

	var related []string
	if event.ID != "" {
		related = []string{event.ID}
	}

	return &domain.Alert{
		ID:                 uuid.New().String(),
		TenantID:           event.TenantID,
		UserID:             event.UserID,
		AlertType:          alertType,
		Severity:           severity,
		Status:             status,
		Title:              alertType.Title(),
		Description:        alertType.Description(),
		RelatedActivities:  related,
		Evidence:           evidence,
		RiskScore:          riskScore,
		RecommendedActions: alertType.RecommendedActions(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
