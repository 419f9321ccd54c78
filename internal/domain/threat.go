package domain

import (
	"fmt"
	"time"
)

// Threat indicator types.
type ThreatType string

const (
	ThreatTypeIP         ThreatType = "IP"
	ThreatTypeCredential ThreatType = "CREDENTIAL"
	ThreatTypeDomain     ThreatType = "DOMAIN"
	ThreatTypeUserAgent  ThreatType = "USER_AGENT"
)

// IsValid reports whether the threat type is known.
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatTypeIP, ThreatTypeCredential, ThreatTypeDomain, ThreatTypeUserAgent:
		return true
	}
	return false
}

// ThreatIntelEntry is an externally sourced indicator looked up by value.
// Expired entries are ignored at lookup but not eagerly purged.
type ThreatIntelEntry struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Value    string     `json:"value"`
	Type     ThreatType `json:"type"`
	Severity Severity   `json:"severity"`

	Source      string  `json:"source"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Expired reports whether the entry's expiry has passed.
func (e *ThreatIntelEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Validate checks an entry before ingestion.
func (e *ThreatIntelEntry) Validate() error {
	if e.Value == "" {
		return fmt.Errorf("indicator value is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown threat type %q", e.Type)
	}
	if !e.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1], got %v", e.Confidence)
	}
	return nil
}

// ThreatIntelRequest is the API payload for indicator ingestion.
type ThreatIntelRequest struct {
	Type        ThreatType `json:"type" validate:"required"`
	Value       string     `json:"value" validate:"required"`
	Severity    Severity   `json:"severity" validate:"required"`
	Source      string     `json:"source" validate:"required"`
	Description string     `json:"description,omitempty"`
	Confidence  float64    `json:"confidence" validate:"gte=0,lte=1"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}
