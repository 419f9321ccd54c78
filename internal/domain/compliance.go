package domain

import (
	"time"
)

// Compliance verdict statuses.
type ComplianceStatus string

const (
	StatusCompliant ComplianceStatus = "COMPLIANT"
	StatusWarning   ComplianceStatus = "WARNING"
	StatusBreach    ComplianceStatus = "BREACH"
)

// ComplianceResult is the immutable outcome of evaluating one rule
// against one portfolio. Produced fresh per evaluation.
type ComplianceResult struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	RuleID      string `json:"ruleId"`
	RuleCode    string `json:"ruleCode"`
	PortfolioID string `json:"portfolioId"`

	Status   ComplianceStatus `json:"status"`
	Severity Severity         `json:"severity"`
	Message  string           `json:"message"`

	ActualValue   interface{} `json:"actualValue,omitempty"`
	ExpectedValue interface{} `json:"expectedValue,omitempty"`

	EvaluatedAt      time.Time `json:"evaluatedAt"`
	EvaluationTimeMs int64     `json:"evaluationTimeMs"`
}

// RuleEvaluatedEvent is the payload published per rule on the
// regulatory.rule.evaluated topic.
type RuleEvaluatedEvent struct {
	RuleID           string           `json:"ruleId"`
	RuleCode         string           `json:"ruleCode"`
	PortfolioID      string           `json:"portfolioId"`
	Status           ComplianceStatus `json:"status"`
	Severity         Severity         `json:"severity"`
	EvaluatedAt      time.Time        `json:"evaluatedAt"`
	EvaluationTimeMs int64            `json:"evaluationTimeMs"`
}

// EvaluateComplianceRequest is the API payload for a compliance sweep.
type EvaluateComplianceRequest struct {
	PortfolioID string                 `json:"portfolioId" validate:"required"`
	Context     map[string]interface{} `json:"context,omitempty"`
	RuleIDs     []string               `json:"ruleIds,omitempty"`
}

// EvaluateComplianceResponse returns the per-rule verdicts of a sweep.
type EvaluateComplianceResponse struct {
	PortfolioID string              `json:"portfolioId"`
	Results     []*ComplianceResult `json:"results"`
	Breaches    int                 `json:"breaches"`
	Warnings    int                 `json:"warnings"`
	TotalMs     int64               `json:"totalMs"`
}
