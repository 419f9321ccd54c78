package domain

import (
	"time"
)

// Activity types recognized by the detection pipeline. ActivityType is an
// open string on the event (callers may send custom types); the constants
// below are the ones the pipeline gives special meaning.
const (
	ActivityAuthentication = "AUTHENTICATION"
	ActivityTrade          = "TRADE"
	ActivityTransfer       = "TRANSFER"
	ActivityDataAccess     = "DATA_ACCESS"
	ActivityDataExport     = "DATA_EXPORT"
	ActivityConfiguration  = "CONFIGURATION"
	ActivityAdministration = "ADMINISTRATION"
)

// Activity outcome statuses.
const (
	ActivityStatusSuccess = "SUCCESS"
	ActivityStatusFailure = "FAILURE"
	ActivityStatusBlocked = "BLOCKED"
)

// ActivityEvent is a single user action observed by the platform.
type ActivityEvent struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	ActivityType string `json:"activityType"`
	Action       string `json:"action"`
	Resource     string `json:"resource,omitempty"`

	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
	Location   *Location   `json:"location,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity,omitempty"`
	Status    string    `json:"status"`

	// RiskScore is an optional upstream score folded into baselines.
	RiskScore float64 `json:"riskScore,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DeviceInfo describes the client device for an event.
type DeviceInfo struct {
	DeviceType string `json:"deviceType"`
	OS         string `json:"os,omitempty"`
	Browser    string `json:"browser,omitempty"`
}

// Location is a coarse geographic origin for an event.
type Location struct {
	City    string `json:"city"`
	Country string `json:"country,omitempty"`
}

// IsFailedLogin reports whether the event is a failed authentication.
func (e *ActivityEvent) IsFailedLogin() bool {
	return e.ActivityType == ActivityAuthentication && e.Status == ActivityStatusFailure
}

// ActivityRequest is the API payload for activity ingestion.
type ActivityRequest struct {
	UserID       string                 `json:"userId" validate:"required"`
	ActivityType string                 `json:"activityType" validate:"required"`
	Action       string                 `json:"action" validate:"required"`
	Resource     string                 `json:"resource,omitempty"`
	IPAddress    string                 `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	DeviceInfo   *DeviceInfo            `json:"deviceInfo,omitempty"`
	Location     *Location              `json:"location,omitempty"`
	Timestamp    *time.Time             `json:"timestamp,omitempty"`
	Severity     Severity               `json:"severity,omitempty"`
	Status       string                 `json:"status" validate:"required,oneof=SUCCESS FAILURE BLOCKED"`
	RiskScore    float64                `json:"riskScore,omitempty" validate:"omitempty,gte=0,lte=1"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToEvent converts a request to an ActivityEvent domain object.
func (r *ActivityRequest) ToEvent(tenantID string) *ActivityEvent {
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	sev := r.Severity
	if sev == "" {
		sev = SeverityLow
	}
	return &ActivityEvent{
		UserID:       r.UserID,
		TenantID:     tenantID,
		ActivityType: r.ActivityType,
		Action:       r.Action,
		Resource:     r.Resource,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
		DeviceInfo:   r.DeviceInfo,
		Location:     r.Location,
		Timestamp:    ts,
		Severity:     sev,
		Status:       r.Status,
		RiskScore:    r.RiskScore,
		Metadata:     r.Metadata,
	}
}
