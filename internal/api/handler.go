package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/activity"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/threatintel"
)

// Deps bundles the components the API serves. Optional members may be
// nil; the corresponding routes then answer 503.
type Deps struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Compliance *compliance.Engine
	Detector   *detect.Engine
	Alerts     *alerts.Manager
	Activity   *activity.Service
	Threats    *threatintel.Store
	Baselines  *baseline.Updater

	Version string

	// Async routes ingested activity to the worker pipeline instead of
	// running the detection sweep inline.
	Async bool
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	compliance *compliance.Engine
	detector   *detect.Engine
	alerts     *alerts.Manager
	activity   *activity.Service
	threats    *threatintel.Store
	baselines  *baseline.Updater
	validate   *validator.Validate
	version    string
	async      bool
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		compliance: deps.Compliance,
		detector:   deps.Detector,
		alerts:     deps.Alerts,
		activity:   deps.Activity,
		threats:    deps.Threats,
		baselines:  deps.Baselines,
		validate:   validator.New(),
		version:    deps.Version,
		async:      deps.Async,
	}
}

// Health returns server health status. Any backend failing its ping
// degrades the status without failing the endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. The
// repository is the one backend nothing can run without.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// EvaluateCompliance handles POST /compliance/evaluate: runs the
// tenant's loaded rules against a portfolio, persists each verdict,
// and publishes one event per rule evaluated.
func (h *Handler) EvaluateCompliance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.EvaluateComplianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	results, err := h.compliance.EvaluateAll(ctx, &compliance.EvaluateInput{
		TenantID:    tenantID,
		PortfolioID: req.PortfolioID,
		RuleIDs:     req.RuleIDs,
		Context:     req.Context,
	})
	if err != nil {
		slog.Error("compliance evaluation failed", "portfolioId", req.PortfolioID, "error", err)
		writeError(w, err)
		return
	}

	resp := &domain.EvaluateComplianceResponse{
		PortfolioID: req.PortfolioID,
		Results:     results,
	}

	for _, result := range results {
		metrics.RulesEvaluated.WithLabelValues(string(result.Status)).Inc()

		switch result.Status {
		case domain.StatusBreach:
			resp.Breaches++
		case domain.StatusWarning:
			resp.Warnings++
		}

		// Persistence and emission are best effort; the sweep result
		// is returned to the caller regardless.
		if err := h.repo.SaveComplianceResult(ctx, tenantID, result); err != nil {
			slog.Error("failed to save compliance result", "ruleId", result.RuleID, "error", err)
		}
		h.publishRuleEvaluated(ctx, tenantID, result)
	}

	resp.TotalMs = time.Since(start).Milliseconds()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) publishRuleEvaluated(ctx context.Context, tenantID string, result *domain.ComplianceResult) {
	if h.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.RuleEvaluatedEvent{
		RuleID:           result.RuleID,
		RuleCode:         result.RuleCode,
		PortfolioID:      result.PortfolioID,
		Status:           result.Status,
		Severity:         result.Severity,
		EvaluatedAt:      result.EvaluatedAt,
		EvaluationTimeMs: result.EvaluationTimeMs,
	})
	if err != nil {
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicRuleEvaluated, payload); err != nil {
		slog.Error("failed to publish rule evaluation", "ruleId", result.RuleID, "error", err)
	}
}

// ListComplianceResults handles GET /compliance/results.
func (h *Handler) ListComplianceResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	portfolioID := r.URL.Query().Get("portfolioId")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid limit %q", v)))
			return
		}
		limit = n
	}

	results, err := h.repo.ListComplianceResults(ctx, tenantID, portfolioID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// CreateComplianceRule handles POST /compliance/rules. The rule is
// compile-checked before it is saved; a malformed expression is
// rejected and never activated.
func (h *Handler) CreateComplianceRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.ComplianceRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}

	rule.TenantID = tenantID
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Version == "" {
		rule.Version = "1"
	}
	if rule.EffectiveDate.IsZero() {
		rule.EffectiveDate = time.Now().UTC()
	}

	if err := h.compliance.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid rule: "+err.Error()))
		return
	}

	if err := h.repo.SaveComplianceRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save compliance rule", "ruleId", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	if rule.IsActive {
		if err := h.compliance.LoadRule(&rule); err != nil {
			slog.Error("failed to load compliance rule into engine", "ruleId", rule.ID, "error", err)
		}
	}

	slog.Info("compliance rule created", "ruleId", rule.ID, "code", rule.Code)
	writeJSON(w, http.StatusCreated, rule)
}

// ListComplianceRules handles GET /compliance/rules. Disabled rules
// are included only when includeDisabled=true.
func (h *Handler) ListComplianceRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules, err := h.repo.ListComplianceRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("includeDisabled") != "true" {
		active := rules[:0]
		for _, rule := range rules {
			if rule.IsActive {
				active = append(active, rule)
			}
		}
		rules = active
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// GetComplianceRule handles GET /compliance/rules/{id}.
func (h *Handler) GetComplianceRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetComplianceRule(ctx, tenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("rule not found"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// UpdateComplianceRule handles PUT /compliance/rules/{id}. The updated
// expression is compile-checked; deactivating a rule unloads it from
// the engine immediately.
func (h *Handler) UpdateComplianceRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	existing, err := h.repo.GetComplianceRule(ctx, tenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("rule not found"))
			return
		}
		writeError(w, err)
		return
	}

	var rule domain.ComplianceRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}

	rule.ID = ruleID
	rule.TenantID = tenantID
	if rule.Version == "" {
		rule.Version = existing.Version
	}
	if rule.EffectiveDate.IsZero() {
		rule.EffectiveDate = existing.EffectiveDate
	}

	if err := h.compliance.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid rule: "+err.Error()))
		return
	}

	if err := h.repo.SaveComplianceRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to update compliance rule", "ruleId", ruleID, "error", err)
		writeError(w, err)
		return
	}

	if rule.IsActive {
		if err := h.compliance.LoadRule(&rule); err != nil {
			slog.Error("failed to load compliance rule into engine", "ruleId", ruleID, "error", err)
		}
	} else {
		h.compliance.UnloadRule(ruleID)
	}

	slog.Info("compliance rule updated", "ruleId", ruleID)
	writeJSON(w, http.StatusOK, rule)
}

// DeleteComplianceRule handles DELETE /compliance/rules/{id}. Deletion
// is a deactivation; evaluation history keeps its rule references.
func (h *Handler) DeleteComplianceRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if err := h.repo.DeleteComplianceRule(ctx, tenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("rule not found"))
			return
		}
		writeError(w, err)
		return
	}

	h.compliance.UnloadRule(ruleID)

	slog.Info("compliance rule deactivated", "ruleId", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deactivated",
	})
}

// ReloadComplianceRules handles POST /compliance/rules/reload: the
// tenant's engine rules are resynced from the repository.
func (h *Handler) ReloadComplianceRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules, err := h.repo.ListComplianceRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.compliance.ReloadTenantRules(tenantID, rules); err != nil {
		slog.Error("failed to reload compliance rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to reload rules: "+err.Error()))
		return
	}

	active := 0
	for _, rule := range rules {
		if rule.IsActive {
			active++
		}
	}

	slog.Info("compliance rules reloaded", "tenant_id", tenantID, "count", active)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded",
		"count":   active,
	})
}

// CreateDetectionRule handles POST /detection/rules.
func (h *Handler) CreateDetectionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}

	rule.TenantID = tenantID
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	if err := h.detector.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid rule: "+err.Error()))
		return
	}

	if err := h.repo.SaveDetectionRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save detection rule", "ruleId", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	if rule.Enabled {
		if err := h.detector.LoadRule(&rule); err != nil {
			slog.Error("failed to load detection rule into engine", "ruleId", rule.ID, "error", err)
		}
	}

	slog.Info("detection rule created", "ruleId", rule.ID, "alertType", rule.AlertType)
	writeJSON(w, http.StatusCreated, rule)
}

// ListDetectionRules handles GET /detection/rules. Disabled rules are
// included only when includeDisabled=true.
func (h *Handler) ListDetectionRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules, err := h.repo.ListDetectionRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("includeDisabled") != "true" {
		enabled := rules[:0]
		for _, rule := range rules {
			if rule.Enabled {
				enabled = append(enabled, rule)
			}
		}
		rules = enabled
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// GetDetectionRule handles GET /detection/rules/{id}.
func (h *Handler) GetDetectionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetDetectionRule(ctx, tenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("rule not found"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// UpdateDetectionRule handles PUT /detection/rules/{id}. Trigger state
// carries over from the stored rule so an edit does not reset cooldowns
// or the false-positive rate.
func (h *Handler) UpdateDetectionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	existing, err := h.repo.GetDetectionRule(ctx, tenantID, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("rule not found"))
			return
		}
		writeError(w, err)
		return
	}

	var rule domain.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}

	rule.ID = ruleID
	rule.TenantID = tenantID
	rule.LastTriggered = existing.LastTriggered
	rule.TriggerCount = existing.TriggerCount
	rule.FalsePositiveRate = existing.FalsePositiveRate

	if err := h.detector.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid rule: "+err.Error()))
		return
	}

	if err := h.repo.SaveDetectionRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to update detection rule", "ruleId", ruleID, "error", err)
		writeError(w, err)
		return
	}

	if rule.Enabled {
		if err := h.detector.LoadRule(&rule); err != nil {
			slog.Error("failed to load detection rule into engine", "ruleId", ruleID, "error", err)
		}
	} else {
		h.detector.UnloadRule(ruleID)
	}

	slog.Info("detection rule updated", "ruleId", ruleID)
	writeJSON(w, http.StatusOK, rule)
}

// DeleteDetectionRule handles DELETE /detection/rules/{id}.
func (h *Handler) DeleteDetectionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if err := h.repo.DeleteDetectionRule(ctx, tenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("rule not found"))
			return
		}
		writeError(w, err)
		return
	}

	h.detector.UnloadRule(ruleID)

	slog.Info("detection rule disabled", "ruleId", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled",
	})
}

// ReloadDetectionRules handles POST /detection/rules/reload.
func (h *Handler) ReloadDetectionRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules, err := h.repo.ListDetectionRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.detector.ReloadTenantRules(tenantID, rules); err != nil {
		slog.Error("failed to reload detection rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to reload rules: "+err.Error()))
		return
	}

	enabled := 0
	for _, rule := range rules {
		if rule.Enabled {
			enabled++
		}
	}

	slog.Info("detection rules reloaded", "tenant_id", tenantID, "count", enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded",
		"count":   enabled,
	})
}

// ActivityResponse is the response for POST /activity.
type ActivityResponse struct {
	EventID  string          `json:"eventId"`
	Velocity int64           `json:"velocity"`
	Queued   bool            `json:"queued,omitempty"`
	Alerts   []*domain.Alert `json:"alerts,omitempty"`
}

// IngestActivity handles POST /activity. In synchronous deployments
// the detection sweep runs inline and raised alerts come back in the
// response; in async ones the worker picks the event up from the bus
// and the response only acknowledges ingestion.
func (h *Handler) IngestActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	event := req.ToEvent(tenantID)

	velocity, err := h.activity.Record(ctx, tenantID, event)
	if err != nil {
		slog.Error("failed to record activity", "userId", req.UserID, "error", err)
		writeError(w, err)
		return
	}

	resp := &ActivityResponse{
		EventID:  event.ID,
		Velocity: velocity,
	}

	if h.async {
		resp.Queued = true
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	raised, err := h.detector.AnalyzeActivity(ctx, event)
	if err != nil {
		slog.Error("detection sweep failed", "userId", event.UserID, "error", err)
	}
	for _, alert := range raised {
		if err := h.alerts.Create(ctx, tenantID, alert); err != nil {
			slog.Error("failed to raise alert", "alertType", alert.AlertType, "error", err)
			continue
		}
		resp.Alerts = append(resp.Alerts, alert)
	}

	writeJSON(w, http.StatusOK, resp)
}

// CountActivity handles GET /activity/{userId}/count. The window query
// parameter is a length in seconds; zero or absent uses the service
// default.
func (h *Handler) CountActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	userID := chi.URLParam(r, "userId")

	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid window %q", v)))
			return
		}
		window = time.Duration(secs) * time.Second
	}

	count, err := h.activity.CountRecent(ctx, tenantID, userID, window)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"count":  count,
	})
}

// QueryAlerts handles GET /alerts with filter query parameters.
func (h *Handler) QueryAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	query, err := parseAlertQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	results, err := h.alerts.Query(ctx, tenantID, query)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": results,
		"count":  len(results),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("alert not found"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlertStatus handles PATCH /alerts/{id}/status.
func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	var update domain.AlertStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}
	if err := h.validate.Struct(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if !update.Status.IsValid() {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("unknown status %q", update.Status)))
		return
	}

	alert, err := h.alerts.UpdateStatus(ctx, tenantID, alertID, &update)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("alert not found"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// AlertStats handles GET /alerts/stats.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stats, err := h.alerts.Statistics(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// IngestThreatIntel handles POST /threat-intel.
func (h *Handler) IngestThreatIntel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.ThreatIntelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	entry := &domain.ThreatIntelEntry{
		TenantID:    tenantID,
		Value:       req.Value,
		Type:        req.Type,
		Severity:    req.Severity,
		Source:      req.Source,
		Description: req.Description,
		Confidence:  req.Confidence,
		ExpiresAt:   req.ExpiresAt,
	}
	if err := entry.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	if err := h.threats.Ingest(ctx, tenantID, entry); err != nil {
		slog.Error("failed to ingest threat intel", "value", req.Value, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// LookupThreatIntel handles GET /threat-intel/{value}. The path
// segment may be percent-encoded for indicators such as user agents.
func (h *Handler) LookupThreatIntel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	value := chi.URLParam(r, "value")
	if decoded, err := url.PathUnescape(value); err == nil {
		value = decoded
	}

	entry, err := h.threats.Lookup(ctx, tenantID, value)
	if err != nil {
		writeError(w, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, errorBody("indicator not found"))
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// GetBaseline handles GET /baselines/{userId}.
func (h *Handler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	userID := chi.URLParam(r, "userId")

	b, err := h.repo.GetBaseline(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("baseline not found"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// RecomputeBaseline handles POST /baselines/{userId}/recompute. The
// user's profile is rebuilt from the trailing history window and
// replaces the stored baseline.
func (h *Handler) RecomputeBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	userID := chi.URLParam(r, "userId")

	b, err := h.baselines.Update(ctx, tenantID, userID)
	if err != nil {
		slog.Error("baseline recompute failed", "userId", userID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// PortfolioRequest is the request body for POST /portfolios.
type PortfolioRequest struct {
	ID                string             `json:"id" validate:"required"`
	TotalValue        float64            `json:"totalValue" validate:"gte=0"`
	CashBalance       float64            `json:"cashBalance"`
	TotalEquity       float64            `json:"totalEquity"`
	TotalFixedIncome  float64            `json:"totalFixedIncome"`
	TotalAlternatives float64            `json:"totalAlternatives"`
	Positions         []*domain.Position `json:"positions,omitempty"`
}

// SavePortfolio handles POST /portfolios: stores the aggregates and
// positions compliance sweeps evaluate against.
func (h *Handler) SavePortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req PortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	portfolio := &domain.Portfolio{
		ID:                req.ID,
		TenantID:          tenantID,
		TotalValue:        req.TotalValue,
		CashBalance:       req.CashBalance,
		TotalEquity:       req.TotalEquity,
		TotalFixedIncome:  req.TotalFixedIncome,
		TotalAlternatives: req.TotalAlternatives,
	}

	if err := h.repo.SavePortfolio(ctx, tenantID, portfolio, req.Positions); err != nil {
		slog.Error("failed to save portfolio", "portfolioId", req.ID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, portfolio)
}

// GetPortfolio handles GET /portfolios/{id}.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	portfolioID := chi.URLParam(r, "id")

	portfolio, err := h.repo.GetPortfolio(ctx, tenantID, portfolioID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("portfolio not found"))
			return
		}
		writeError(w, err)
		return
	}

	positions, err := h.repo.GetPositions(ctx, tenantID, portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolio": portfolio,
		"positions": positions,
	})
}

func parseAlertQuery(r *http.Request) (*domain.AlertQuery, error) {
	q := r.URL.Query()
	query := &domain.AlertQuery{UserID: q.Get("userId")}

	for _, s := range splitParam(q.Get("severity")) {
		query.Severities = append(query.Severities, domain.Severity(s))
	}
	for _, s := range splitParam(q.Get("status")) {
		query.Statuses = append(query.Statuses, domain.AlertStatus(s))
	}
	for _, s := range splitParam(q.Get("type")) {
		query.AlertTypes = append(query.AlertTypes, domain.AlertType(s))
	}

	if v := q.Get("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid startDate: %v", err)
		}
		query.StartDate = &t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid endDate: %v", err)
		}
		query.EndDate = &t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		query.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid offset %q", v)
		}
		query.Offset = n
	}

	return query, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writeError maps repository sentinels onto HTTP statuses. Handlers
// that want a resource-specific 404 message check ErrNotFound first.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
