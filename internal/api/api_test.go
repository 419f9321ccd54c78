package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/activity"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/threatintel"
)

const testTenant = "tenant-001"

// createTestServer wires a server against a throwaway sqlite database
// in synchronous (community tier) mode.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmp, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmp.Close()
	t.Cleanup(func() { os.Remove(tmp.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmp.Name(),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	complianceEngine, err := compliance.NewEngine(repo, 4)
	if err != nil {
		t.Fatalf("failed to create compliance engine: %v", err)
	}
	t.Cleanup(func() { complianceEngine.Close() })

	threats := threatintel.NewStore(repo)
	t.Cleanup(func() { threats.Close() })

	detector := detect.NewEngine(repo, nil, threats, time.Hour)
	t.Cleanup(func() { detector.Close() })

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, Deps{
		Repo:       repo,
		Bus:        eventBus,
		Compliance: complianceEngine,
		Detector:   detector,
		Alerts:     alerts.NewManager(repo, eventBus, detector),
		Activity:   activity.NewService(repo, nil, eventBus, time.Hour),
		Threats:    threats,
		Baselines:  baseline.NewUpdater(repo, nil, 0, 3),
		Version:    "test-v1",
	})
}

// doRequest sends a request through the full middleware chain with the
// test tenant header set.
func doRequest(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", testTenant)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to parse response %s: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		decodeBody(t, rr, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr.Body.Len() == 0 {
			t.Error("expected scrape output")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestComplianceRuleCRUD(t *testing.T) {
	server := createTestServer(t)

	var created domain.ComplianceRule

	t.Run("Create", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/rules", map[string]interface{}{
			"code":           "SEC-15C3-1",
			"name":           "Net capital floor",
			"jurisdiction":   "SEC",
			"ruleExpression": "totalValue >= 250000",
			"isActive":       true,
		})

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		decodeBody(t, rr, &created)
		if created.ID == "" {
			t.Error("expected generated rule id")
		}
		if created.TenantID != testTenant {
			t.Errorf("expected tenant %s, got %s", testTenant, created.TenantID)
		}
		if created.Version != "1" {
			t.Errorf("expected version 1, got %s", created.Version)
		}
	})

	t.Run("RejectUncompilableExpression", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/rules", map[string]interface{}{
			"code":           "BAD-001",
			"name":           "Broken",
			"ruleExpression": "no operators here at all",
			"isActive":       true,
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/compliance/rules/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var rule domain.ComplianceRule
		decodeBody(t, rr, &rule)
		if rule.Code != "SEC-15C3-1" {
			t.Errorf("expected code SEC-15C3-1, got %s", rule.Code)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/compliance/rules/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/compliance/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Rules []*domain.ComplianceRule `json:"rules"`
			Count int                      `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule, got %d", resp.Count)
		}
	})

	t.Run("Update", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/compliance/rules/"+created.ID, map[string]interface{}{
			"code":           "SEC-15C3-1",
			"name":           "Net capital floor",
			"jurisdiction":   "SEC",
			"ruleExpression": "totalValue >= 500000",
			"isActive":       true,
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var rule domain.ComplianceRule
		decodeBody(t, rr, &rule)
		if rule.RuleExpression != "totalValue >= 500000" {
			t.Errorf("expected updated expression, got %s", rule.RuleExpression)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodDelete, "/compliance/rules/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		// Deactivated rules drop out of the default listing but stay
		// visible with includeDisabled.
		rr = doRequest(t, server, http.MethodGet, "/compliance/rules", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected 0 active rules, got %d", resp.Count)
		}

		rr = doRequest(t, server, http.MethodGet, "/compliance/rules?includeDisabled=true", nil)
		decodeBody(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule with includeDisabled, got %d", resp.Count)
		}
	})

	t.Run("DeleteUnknown", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodDelete, "/compliance/rules/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected 0 active rules after delete, got %d", resp.Count)
		}
	})
}

func TestEvaluateCompliance(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(t, server, http.MethodPost, "/portfolios", map[string]interface{}{
		"id":               "port-1",
		"totalValue":       900000,
		"cashBalance":      40000,
		"totalEquity":      700000,
		"totalFixedIncome": 160000,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to save portfolio: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/compliance/rules", map[string]interface{}{
		"id":             "rule-cash-floor",
		"code":           "CASH-FLOOR",
		"name":           "Cash reserve floor",
		"jurisdiction":   "FINRA",
		"ruleExpression": "cashBalance >= 100000",
		"isActive":       true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create rule: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/compliance/rules", map[string]interface{}{
		"id":             "rule-aum-min",
		"code":           "AUM-MIN",
		"name":           "Minimum assets",
		"ruleExpression": "totalValue > 100000",
		"isActive":       true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create rule: %d %s", rr.Code, rr.Body.String())
	}

	t.Run("FullSweep", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/evaluate", map[string]interface{}{
			"portfolioId": "port-1",
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.EvaluateComplianceResponse
		decodeBody(t, rr, &resp)

		if len(resp.Results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(resp.Results))
		}
		if resp.Breaches != 1 {
			t.Errorf("expected 1 breach, got %d", resp.Breaches)
		}

		for _, result := range resp.Results {
			switch result.RuleCode {
			case "CASH-FLOOR":
				if result.Status != domain.StatusBreach {
					t.Errorf("expected BREACH for CASH-FLOOR, got %s", result.Status)
				}
				if result.Severity != domain.SeverityHigh {
					t.Errorf("expected HIGH severity for FINRA breach, got %s", result.Severity)
				}
			case "AUM-MIN":
				if result.Status != domain.StatusCompliant {
					t.Errorf("expected COMPLIANT for AUM-MIN, got %s", result.Status)
				}
			default:
				t.Errorf("unexpected rule code %s", result.RuleCode)
			}
		}
	})

	t.Run("RuleSubset", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/evaluate", map[string]interface{}{
			"portfolioId": "port-1",
			"ruleIds":     []string{"rule-aum-min"},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp domain.EvaluateComplianceResponse
		decodeBody(t, rr, &resp)
		if len(resp.Results) != 1 {
			t.Errorf("expected 1 result, got %d", len(resp.Results))
		}
	})

	t.Run("ResultsPersisted", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/compliance/results?portfolioId=port-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count < 2 {
			t.Errorf("expected at least 2 persisted results, got %d", resp.Count)
		}
	})

	t.Run("UnknownPortfolio", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/evaluate", map[string]interface{}{
			"portfolioId": "ghost",
		})

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingPortfolioID", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/compliance/evaluate", map[string]interface{}{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/compliance/evaluate", bytes.NewBufferString("not-json"))
		req.Header.Set("X-Tenant-ID", testTenant)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestDetectionRuleCRUD(t *testing.T) {
	server := createTestServer(t)

	var created domain.DetectionRule

	t.Run("Create", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/detection/rules", map[string]interface{}{
			"name":           "Failed login burst",
			"alertType":      "MULTIPLE_FAILED_LOGINS",
			"severity":       "HIGH",
			"enabled":        true,
			"threshold":      1,
			"timeWindowSecs": 900,
			"conditions": []map[string]interface{}{
				{"field": "failed_login_count", "operator": ">=", "value": 3, "weight": 1},
			},
		})

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		decodeBody(t, rr, &created)
		if created.ID == "" {
			t.Error("expected generated rule id")
		}
	})

	t.Run("RejectUnknownOperator", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/detection/rules", map[string]interface{}{
			"name":      "Bad operator",
			"alertType": "HIGH_ACTIVITY_VOLUME",
			"severity":  "LOW",
			"enabled":   true,
			"threshold": 1,
			"conditions": []map[string]interface{}{
				{"field": "activity_count", "operator": "LIKE", "value": 10, "weight": 1},
			},
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectUnknownAlertType", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/detection/rules", map[string]interface{}{
			"name":      "Bad type",
			"alertType": "SOMETHING_WEIRD",
			"severity":  "LOW",
			"enabled":   true,
			"threshold": 1,
			"conditions": []map[string]interface{}{
				{"field": "action", "operator": "=", "value": "x", "weight": 1},
			},
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UpdatePreservesTriggerState", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/detection/rules/"+created.ID, map[string]interface{}{
			"name":           "Failed login burst",
			"alertType":      "MULTIPLE_FAILED_LOGINS",
			"severity":       "CRITICAL",
			"enabled":        true,
			"threshold":      0.5,
			"timeWindowSecs": 600,
			"conditions": []map[string]interface{}{
				{"field": "failed_login_count", "operator": ">=", "value": 5, "weight": 1},
			},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var rule domain.DetectionRule
		decodeBody(t, rr, &rule)
		if rule.Severity != domain.SeverityCritical {
			t.Errorf("expected CRITICAL, got %s", rule.Severity)
		}
		if rule.Threshold != 0.5 {
			t.Errorf("expected threshold 0.5, got %v", rule.Threshold)
		}
	})

	t.Run("DeleteAndList", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodDelete, "/detection/rules/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doRequest(t, server, http.MethodGet, "/detection/rules", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected 0 enabled rules, got %d", resp.Count)
		}

		rr = doRequest(t, server, http.MethodGet, "/detection/rules?includeDisabled=true", nil)
		decodeBody(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule with includeDisabled, got %d", resp.Count)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/detection/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestIngestActivity(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(t, server, http.MethodPost, "/detection/rules", map[string]interface{}{
		"name":           "Failed login burst",
		"alertType":      "MULTIPLE_FAILED_LOGINS",
		"severity":       "HIGH",
		"enabled":        true,
		"threshold":      1,
		"timeWindowSecs": 900,
		"conditions": []map[string]interface{}{
			{"field": "failed_login_count", "operator": ">=", "value": 3, "weight": 1},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create detection rule: %d %s", rr.Code, rr.Body.String())
	}

	failedLogin := map[string]interface{}{
		"userId":       "user-7",
		"activityType": "AUTHENTICATION",
		"action":       "login",
		"status":       "FAILURE",
		"ipAddress":    "203.0.113.7",
	}

	t.Run("BelowThreshold", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			rr := doRequest(t, server, http.MethodPost, "/activity", failedLogin)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}

			var resp ActivityResponse
			decodeBody(t, rr, &resp)
			if resp.EventID == "" {
				t.Error("expected eventId in response")
			}
			if len(resp.Alerts) != 0 {
				t.Errorf("expected no alerts below threshold, got %d", len(resp.Alerts))
			}
		}
	})

	t.Run("ThresholdRaisesAlert", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/activity", failedLogin)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ActivityResponse
		decodeBody(t, rr, &resp)
		if resp.Velocity != 3 {
			t.Errorf("expected velocity 3, got %d", resp.Velocity)
		}
		if len(resp.Alerts) == 0 {
			t.Fatal("expected an alert on the third failed login")
		}
		alert := resp.Alerts[0]
		if alert.AlertType != domain.AlertMultipleFailedLogins {
			t.Errorf("expected MULTIPLE_FAILED_LOGINS, got %s", alert.AlertType)
		}
		if alert.Status != domain.AlertStatusNew {
			t.Errorf("expected NEW status, got %s", alert.Status)
		}
		if alert.ID == "" {
			t.Error("expected persisted alert id")
		}
	})

	t.Run("CountRecent", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/activity/user-7/count", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			UserID string `json:"userId"`
			Count  int64  `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 3 {
			t.Errorf("expected count 3, got %d", resp.Count)
		}
	})

	t.Run("CountWindowParam", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/activity/user-7/count?window=3600", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doRequest(t, server, http.MethodGet, "/activity/user-7/count?window=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad window, got %d", rr.Code)
		}
	})

	t.Run("RejectBadStatus", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/activity", map[string]interface{}{
			"userId":       "user-7",
			"activityType": "AUTHENTICATION",
			"action":       "login",
			"status":       "MAYBE",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectBadIP", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/activity", map[string]interface{}{
			"userId":       "user-7",
			"activityType": "AUTHENTICATION",
			"action":       "login",
			"status":       "SUCCESS",
			"ipAddress":    "not-an-ip",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAlertEndpoints(t *testing.T) {
	server := createTestServer(t)

	// Raise one rule alert (three failed logins for user-1) and one
	// threat-intel alert (flagged IP for user-2).
	rr := doRequest(t, server, http.MethodPost, "/detection/rules", map[string]interface{}{
		"name":           "Failed login burst",
		"alertType":      "MULTIPLE_FAILED_LOGINS",
		"severity":       "HIGH",
		"enabled":        true,
		"threshold":      1,
		"timeWindowSecs": 900,
		"conditions": []map[string]interface{}{
			{"field": "failed_login_count", "operator": ">=", "value": 3, "weight": 1},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create detection rule: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/threat-intel", map[string]interface{}{
		"type":       "IP",
		"value":      "198.51.100.9",
		"severity":   "CRITICAL",
		"source":     "abuse-feed",
		"confidence": 0.95,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to ingest threat intel: %d %s", rr.Code, rr.Body.String())
	}

	for i := 0; i < 3; i++ {
		rr = doRequest(t, server, http.MethodPost, "/activity", map[string]interface{}{
			"userId":       "user-1",
			"activityType": "AUTHENTICATION",
			"action":       "login",
			"status":       "FAILURE",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("failed to ingest activity: %d %s", rr.Code, rr.Body.String())
		}
	}

	rr = doRequest(t, server, http.MethodPost, "/activity", map[string]interface{}{
		"userId":       "user-2",
		"activityType": "DATA_ACCESS",
		"action":       "read",
		"status":       "SUCCESS",
		"ipAddress":    "198.51.100.9",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("failed to ingest activity: %d %s", rr.Code, rr.Body.String())
	}

	var alertID string

	t.Run("QueryAll", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Alerts []*domain.Alert `json:"alerts"`
			Count  int             `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 2 {
			t.Fatalf("expected 2 alerts, got %d", resp.Count)
		}
		alertID = resp.Alerts[0].ID
	})

	t.Run("FilterBySeverity", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts?severity=CRITICAL", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Alerts []*domain.Alert `json:"alerts"`
			Count  int             `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 1 {
			t.Fatalf("expected 1 critical alert, got %d", resp.Count)
		}
		if resp.Alerts[0].AlertType != domain.AlertThreatIntelMatch {
			t.Errorf("expected THREAT_INTEL_MATCH, got %s", resp.Alerts[0].AlertType)
		}
	})

	t.Run("FilterByUser", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts?userId=user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 alert for user-1, got %d", resp.Count)
		}
	})

	t.Run("BadDateFilter", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts?startDate=yesterday", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetByID", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts/"+alertID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doRequest(t, server, http.MethodGet, "/alerts/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPatch, "/alerts/"+alertID+"/status", map[string]interface{}{
			"status":     "INVESTIGATING",
			"assignedTo": "analyst-1",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var alert domain.Alert
		decodeBody(t, rr, &alert)
		if alert.Status != domain.AlertStatusInvestigating {
			t.Errorf("expected INVESTIGATING, got %s", alert.Status)
		}
		if alert.AssignedTo != "analyst-1" {
			t.Errorf("expected assignee analyst-1, got %s", alert.AssignedTo)
		}
	})

	t.Run("RejectUnknownStatus", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPatch, "/alerts/"+alertID+"/status", map[string]interface{}{
			"status": "SHRUG",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UpdateUnknownAlert", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPatch, "/alerts/nope/status", map[string]interface{}{
			"status": "RESOLVED",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Statistics", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts/stats", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var stats domain.AlertStatistics
		decodeBody(t, rr, &stats)
		if stats.Total != 2 {
			t.Errorf("expected 2 total alerts, got %d", stats.Total)
		}
		if stats.BySeverity[domain.SeverityCritical] != 1 {
			t.Errorf("expected 1 critical, got %d", stats.BySeverity[domain.SeverityCritical])
		}
	})
}

func TestThreatIntelEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Ingest", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/threat-intel", map[string]interface{}{
			"type":       "IP",
			"value":      "198.51.100.20",
			"severity":   "HIGH",
			"source":     "abuse-feed",
			"confidence": 0.8,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var entry domain.ThreatIntelEntry
		decodeBody(t, rr, &entry)
		if entry.ID == "" {
			t.Error("expected generated entry id")
		}
	})

	t.Run("RejectMissingSource", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/threat-intel", map[string]interface{}{
			"type":     "IP",
			"value":    "198.51.100.21",
			"severity": "HIGH",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Lookup", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/threat-intel/198.51.100.20", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var entry domain.ThreatIntelEntry
		decodeBody(t, rr, &entry)
		if entry.Value != "198.51.100.20" {
			t.Errorf("expected value 198.51.100.20, got %s", entry.Value)
		}
	})

	t.Run("LookupMiss", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/threat-intel/203.0.113.250", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestBaselineEndpoints(t *testing.T) {
	server := createTestServer(t)

	for i := 0; i < 4; i++ {
		rr := doRequest(t, server, http.MethodPost, "/activity", map[string]interface{}{
			"userId":       "user-base",
			"activityType": "TRADE",
			"action":       fmt.Sprintf("order-%d", i),
			"status":       "SUCCESS",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("failed to ingest activity: %d %s", rr.Code, rr.Body.String())
		}
	}

	t.Run("Recompute", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/baselines/user-base/recompute", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var b domain.UserBaseline
		decodeBody(t, rr, &b)
		if b.UserID != "user-base" {
			t.Errorf("expected userId user-base, got %s", b.UserID)
		}
		if b.Statistics.TotalActivities != 4 {
			t.Errorf("expected 4 activities in window, got %d", b.Statistics.TotalActivities)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/baselines/user-base", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/baselines/ghost", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestPortfolioEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Save", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/portfolios", map[string]interface{}{
			"id":          "port-9",
			"totalValue":  120000,
			"cashBalance": 20000,
			"totalEquity": 100000,
			"positions": []map[string]interface{}{
				{"securityId": "sec-1", "symbol": "ACME", "quantity": 100, "marketValue": 50000, "assetClass": "EQUITY", "sector": "TECH"},
			},
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectMissingID", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/portfolios", map[string]interface{}{
			"totalValue": 1000,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/portfolios/port-9", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Portfolio *domain.Portfolio  `json:"portfolio"`
			Positions []*domain.Position `json:"positions"`
		}
		decodeBody(t, rr, &resp)
		if resp.Portfolio.TotalValue != 120000 {
			t.Errorf("expected totalValue 120000, got %v", resp.Portfolio.TotalValue)
		}
		if len(resp.Positions) != 1 {
			t.Errorf("expected 1 position, got %d", len(resp.Positions))
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/portfolios/ghost", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingHeaders", func(t *testing.T) {
		server := createTestServer(t)
		rr := doRequest(t, server, http.MethodGet, "/alerts", nil)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID response header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		server := createTestServer(t)
		req := httptest.NewRequest(http.MethodOptions, "/alerts", nil)
		req.Header.Set("Origin", "https://example.com")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://example.com" {
			t.Errorf("expected echoed origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
		if rr.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("expected allowed methods header")
		}
	})

	t.Run("PanicRecovery", func(t *testing.T) {
		router := chi.NewRouter()
		router.Use(RecoverMiddleware)
		router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
			panic("kaboom")
		})

		req := httptest.NewRequest(http.MethodGet, "/boom", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
