package domain

import (
	"fmt"
	"time"
)

// Severity grades compliance results and detection alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid reports whether the severity is a known grade.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "NEW"
	AlertStatusInvestigating AlertStatus = "INVESTIGATING"
	AlertStatusConfirmed     AlertStatus = "CONFIRMED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
	AlertStatusResolved      AlertStatus = "RESOLVED"
	AlertStatusEscalated     AlertStatus = "ESCALATED"
)

// validTransitions is the intended lifecycle graph. The manager applies
// requested transitions regardless and logs departures from this graph;
// callers wanting strictness use CanTransitionTo.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:           {AlertStatusInvestigating, AlertStatusEscalated},
	AlertStatusInvestigating: {AlertStatusConfirmed, AlertStatusFalsePositive, AlertStatusEscalated},
	AlertStatusConfirmed:     {AlertStatusResolved, AlertStatusEscalated},
	AlertStatusEscalated:     {AlertStatusInvestigating, AlertStatusConfirmed, AlertStatusFalsePositive, AlertStatusResolved},
	AlertStatusFalsePositive: {},
	AlertStatusResolved:      {},
}

// IsValid reports whether the status is a known lifecycle state.
func (s AlertStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are expected.
func (s AlertStatus) IsTerminal() bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether moving to target follows the lifecycle graph.
func (s AlertStatus) CanTransitionTo(target AlertStatus) bool {
	for _, next := range validTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ValidNextStates returns the states reachable from s in the lifecycle graph.
func (s AlertStatus) ValidNextStates() []AlertStatus {
	next := validTransitions[s]
	out := make([]AlertStatus, len(next))
	copy(out, next)
	return out
}

// AlertType is a closed enumeration of alert categories. Detection rules
// reference catalog members only; titles, descriptions and recommended
// actions are looked up in the catalog tables below.
type AlertType string

const (
	AlertMultipleFailedLogins AlertType = "MULTIPLE_FAILED_LOGINS"
	AlertUnusualLocation      AlertType = "UNUSUAL_LOCATION"
	AlertUnusualTime          AlertType = "UNUSUAL_TIME"
	AlertHighActivityVolume   AlertType = "HIGH_ACTIVITY_VOLUME"
	AlertUnusualDevice        AlertType = "UNUSUAL_DEVICE"
	AlertPrivilegeEscalation  AlertType = "PRIVILEGE_ESCALATION"
	AlertThreatIntelMatch     AlertType = "THREAT_INTEL_MATCH"
	AlertDataExfiltration     AlertType = "DATA_EXFILTRATION"
	AlertUnauthorizedAccess   AlertType = "UNAUTHORIZED_ACCESS"
)

type alertCatalogEntry struct {
	title       string
	description string
	actions     []string
}

var alertCatalog = map[AlertType]alertCatalogEntry{
	AlertMultipleFailedLogins: {
		title:       "Multiple Failed Logins",
		description: "Repeated authentication failures for a single account within a short window",
		actions:     []string{"Lock the account pending verification", "Contact the account holder", "Review source IP reputation"},
	},
	AlertUnusualLocation: {
		title:       "Unusual Location",
		description: "Activity from a location outside the user's established pattern",
		actions:     []string{"Verify the session with the user", "Require step-up authentication"},
	},
	AlertUnusualTime: {
		title:       "Unusual Time of Activity",
		description: "Activity outside the user's typical active hours",
		actions:     []string{"Flag the session for review", "Correlate with other signals"},
	},
	AlertHighActivityVolume: {
		title:       "High Activity Volume",
		description: "Activity volume well above the user's daily baseline",
		actions:     []string{"Review the activity burst", "Check for automation or credential sharing"},
	},
	AlertUnusualDevice: {
		title:       "Unusual Device",
		description: "Activity from a device type not previously seen for this user",
		actions:     []string{"Verify the new device with the user", "Require re-authentication"},
	},
	AlertPrivilegeEscalation: {
		title:       "Privilege Escalation Attempt",
		description: "An action matching privilege-escalation patterns",
		actions:     []string{"Suspend the session", "Audit recent permission changes", "Escalate to security operations"},
	},
	AlertThreatIntelMatch: {
		title:       "Threat Intelligence Match",
		description: "Event attribute matched an active threat intelligence indicator",
		actions:     []string{"Block the source", "Review all recent activity from the indicator", "Notify security operations"},
	},
	AlertDataExfiltration: {
		title:       "Possible Data Exfiltration",
		description: "Export or download behavior consistent with bulk data extraction",
		actions:     []string{"Suspend export capability", "Review accessed resources", "Escalate to security operations"},
	},
	AlertUnauthorizedAccess: {
		title:       "Unauthorized Access Attempt",
		description: "Access attempt against a resource the user is not entitled to",
		actions:     []string{"Review the user's entitlements", "Audit the target resource"},
	},
}

// IsValid reports whether the alert type is a catalog member.
func (t AlertType) IsValid() bool {
	_, ok := alertCatalog[t]
	return ok
}

// Title returns the catalog title for the alert type.
func (t AlertType) Title() string { return alertCatalog[t].title }

// Description returns the catalog description for the alert type.
func (t AlertType) Description() string { return alertCatalog[t].description }

// RecommendedActions returns the catalog response playbook for the alert type.
func (t AlertType) RecommendedActions() []string {
	entry := alertCatalog[t]
	out := make([]string, len(entry.actions))
	copy(out, entry.actions)
	return out
}

// AlertTypes returns all catalog members.
func AlertTypes() []AlertType {
	out := make([]AlertType, 0, len(alertCatalog))
	for t := range alertCatalog {
		out = append(out, t)
	}
	return out
}

// Evidence is a single supporting observation attached to an alert.
type Evidence struct {
	Field       string      `json:"field"`
	Observed    interface{} `json:"observed"`
	Expected    interface{} `json:"expected,omitempty"`
	Description string      `json:"description"`
}

// Alert is an append-only triage record produced by the detection pipeline.
type Alert struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`

	AlertType AlertType   `json:"alertType"`
	Severity  Severity    `json:"severity"`
	Status    AlertStatus `json:"status"`

	Title       string `json:"title"`
	Description string `json:"description"`

	// RelatedActivities references the events that produced the alert.
	RelatedActivities []string   `json:"relatedActivities,omitempty"`
	Evidence          []Evidence `json:"evidence,omitempty"`

	RiskScore          float64  `json:"riskScore"`
	RecommendedActions []string `json:"recommendedActions,omitempty"`

	FalsePositive bool   `json:"falsePositive"`
	AssignedTo    string `json:"assignedTo,omitempty"`
	Resolution    string `json:"resolution,omitempty"`

	// RuleID is set when the alert was fired by a detection rule.
	RuleID string `json:"ruleId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks an alert before persistence.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	if a.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if !a.AlertType.IsValid() {
		return fmt.Errorf("unknown alert type %q", a.AlertType)
	}
	if !a.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", a.Severity)
	}
	if !a.Status.IsValid() {
		return fmt.Errorf("unknown status %q", a.Status)
	}
	return nil
}

// AlertQuery is the alert search filter. Zero values mean "any".
type AlertQuery struct {
	UserID     string        `json:"userId,omitempty"`
	Severities []Severity    `json:"severities,omitempty"`
	Statuses   []AlertStatus `json:"statuses,omitempty"`
	AlertTypes []AlertType   `json:"alertTypes,omitempty"`
	StartDate  *time.Time    `json:"startDate,omitempty"`
	EndDate    *time.Time    `json:"endDate,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Offset     int           `json:"offset,omitempty"`
}

// AlertStatistics aggregates alert counts and quality measures.
type AlertStatistics struct {
	Total             int64                 `json:"total"`
	ByType            map[AlertType]int64   `json:"byType"`
	BySeverity        map[Severity]int64    `json:"bySeverity"`
	ByStatus          map[AlertStatus]int64 `json:"byStatus"`
	MeanResolutionMs  int64                 `json:"meanResolutionMs"`
	FalsePositiveRate float64               `json:"falsePositiveRate"`
	GeneratedAt       time.Time             `json:"generatedAt"`
}

// AlertStatusUpdate is the mutation payload for an alert.
type AlertStatusUpdate struct {
	Status     AlertStatus `json:"status" validate:"required"`
	AssignedTo string      `json:"assignedTo,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
}
