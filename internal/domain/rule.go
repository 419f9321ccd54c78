package domain

import (
	"fmt"
	"time"
)

// Rule expression dialects.
const (
	// DialectNative is the Kestrel rule grammar (IF/THEN/ELSE, AND/OR,
	// comparison conditions). Compiled by the expression compiler.
	DialectNative = "native"

	// DialectCEL evaluates the expression as a CEL program.
	DialectCEL = "cel"
)

// Regulatory jurisdictions recognized by severity mapping.
const (
	JurisdictionSEC      = "SEC"
	JurisdictionFINRA    = "FINRA"
	JurisdictionMiFID    = "MIFID"
	JurisdictionFCA      = "FCA"
	JurisdictionInternal = "INTERNAL"
)

// ComplianceRule defines a regulatory rule evaluated against portfolio data.
// YAML tags support the seed rule packs.
type ComplianceRule struct {
	ID           string `json:"id" yaml:"id"`
	TenantID     string `json:"tenantId" yaml:"tenantId"`
	Code         string `json:"code" yaml:"code"`
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description" yaml:"description"`
	Jurisdiction string `json:"jurisdiction" yaml:"jurisdiction"`

	// RuleExpression is the source text compiled before activation.
	RuleExpression string `json:"ruleExpression" yaml:"ruleExpression"`

	// WarnExpression is an optional soft limit in the same grammar.
	// A compliant rule whose warn expression fails reports WARNING.
	WarnExpression string `json:"warnExpression,omitempty" yaml:"warnExpression,omitempty"`

	// Dialect selects the expression language: "native" (default) or "cel".
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"`

	// Parameters are exposed to expressions under the "parameters" section.
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	EffectiveDate time.Time `json:"effectiveDate" yaml:"effectiveDate,omitempty"`
	Version       string    `json:"version" yaml:"version,omitempty"`

	// IsActive may only be set after the expression compiles successfully.
	IsActive bool `json:"isActive" yaml:"isActive"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// Validate checks structural fields. Expression compilation is checked
// separately by the compliance engine before activation.
func (r *ComplianceRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Code == "" {
		return fmt.Errorf("rule code is required")
	}
	if r.RuleExpression == "" {
		return fmt.Errorf("rule expression is required")
	}
	switch r.Dialect {
	case "", DialectNative, DialectCEL:
	default:
		return fmt.Errorf("unknown dialect %q", r.Dialect)
	}
	if r.Dialect == DialectCEL && r.WarnExpression != "" {
		return fmt.Errorf("warn expressions are not supported for cel rules")
	}
	return nil
}

// DetectionRule defines a weighted-condition rule over activity events.
// YAML tags support the seed rule packs.
type DetectionRule struct {
	ID          string `json:"id" yaml:"id"`
	TenantID    string `json:"tenantId" yaml:"tenantId"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// AlertType must be a catalog member; alerts fired by this rule
	// take their title/description/actions from the catalog.
	AlertType AlertType `json:"alertType" yaml:"alertType"`
	Severity  Severity  `json:"severity" yaml:"severity"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`

	// Conditions are scored individually; the rule fires when
	// sum(satisfied weights) / sum(all weights) >= Threshold.
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`
	Threshold  float64         `json:"threshold" yaml:"threshold"`

	// TimeWindowSecs scopes derived window fields (failed_login_count,
	// activity_count). Zero falls back to the pipeline default.
	TimeWindowSecs int `json:"timeWindowSecs" yaml:"timeWindowSecs"`

	// CooldownSecs is the minimum gap between firings.
	CooldownSecs int `json:"cooldownSecs" yaml:"cooldownSecs"`

	// Mutable trigger state, owned by the detection engine.
	LastTriggered     *time.Time `json:"lastTriggered,omitempty" yaml:"-"`
	TriggerCount      int64      `json:"triggerCount" yaml:"-"`
	FalsePositiveRate float64    `json:"falsePositiveRate" yaml:"-"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// RuleCondition is a single weighted test against an event field.
type RuleCondition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
	Weight   float64     `json:"weight" yaml:"weight"`
}

// Validate checks a detection rule for structural correctness.
func (r *DetectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.AlertType.IsValid() {
		return fmt.Errorf("unknown alert type %q", r.AlertType)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", r.Threshold)
	}
	total := 0.0
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		if c.Operator == "" {
			return fmt.Errorf("condition %d: operator is required", i)
		}
		if c.Weight < 0 {
			return fmt.Errorf("condition %d: weight must not be negative", i)
		}
		total += c.Weight
	}
	if total == 0 {
		return fmt.Errorf("condition weights must not all be zero")
	}
	return nil
}

// TimeWindow returns the rule's window, or def when unset.
func (r *DetectionRule) TimeWindow(def time.Duration) time.Duration {
	if r.TimeWindowSecs <= 0 {
		return def
	}
	return time.Duration(r.TimeWindowSecs) * time.Second
}

// Cooldown returns the rule's cooldown duration.
func (r *DetectionRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSecs) * time.Second
}

// InCooldown reports whether the rule fired within its cooldown window.
func (r *DetectionRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil || r.CooldownSecs <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggered) < r.Cooldown()
}
