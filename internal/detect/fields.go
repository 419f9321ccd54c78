package detect

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expr"
)

// Derived fields computed from the user's recent activity window
// rather than read off the event.
const (
	fieldFailedLoginCount = "failed_login_count"
	fieldActivityCount    = "activity_count"
)

// scoreRule computes the weighted fraction of satisfied conditions and
// collects evidence for the ones that matched.
func scoreRule(rule *domain.DetectionRule, event *domain.ActivityEvent, recent []*domain.ActivityEvent) (float64, []domain.Evidence) {
	var total, satisfied float64
	var evidence []domain.Evidence

	for _, cond := range rule.Conditions {
		total += cond.Weight

		actual := eventField(event, recent, cond.Field)
		ok, err := expr.Apply(cond.Operator, actual, cond.Value)
		if err != nil {
			slog.Debug("condition check failed", "ruleId", rule.ID, "field", cond.Field, "error", err)
			continue
		}
		if !ok {
			continue
		}

		satisfied += cond.Weight
		evidence = append(evidence, domain.Evidence{
			Field:       cond.Field,
			Observed:    actual,
			Expected:    cond.Value,
			Description: fmt.Sprintf("%s %s %v", cond.Field, cond.Operator, cond.Value),
		})
	}

	if total == 0 {
		return 0, nil
	}
	return satisfied / total, evidence
}

// eventField resolves a condition field against the event, computing
// window-derived counts where asked. Unknown fields resolve to nil, so
// their conditions simply do not match.
func eventField(event *domain.ActivityEvent, recent []*domain.ActivityEvent, field string) interface{} {
	switch field {
	case fieldFailedLoginCount:
		n := 0
		for _, a := range recent {
			if a.IsFailedLogin() {
				n++
			}
		}
		return n
	case fieldActivityCount:
		return len(recent)
	case "activityType":
		return event.ActivityType
	case "action":
		return event.Action
	case "resource":
		return event.Resource
	case "status":
		return event.Status
	case "severity":
		return string(event.Severity)
	case "ipAddress":
		return event.IPAddress
	case "userAgent":
		return event.UserAgent
	case "riskScore":
		return event.RiskScore
	case "userId":
		return event.UserID
	}

	switch {
	case strings.HasPrefix(field, "location."):
		if event.Location == nil {
			return nil
		}
		switch strings.TrimPrefix(field, "location.") {
		case "city":
			return event.Location.City
		case "country":
			return event.Location.Country
		}

	case strings.HasPrefix(field, "deviceInfo."):
		if event.DeviceInfo == nil {
			return nil
		}
		switch strings.TrimPrefix(field, "deviceInfo.") {
		case "deviceType":
			return event.DeviceInfo.DeviceType
		case "os":
			return event.DeviceInfo.OS
		case "browser":
			return event.DeviceInfo.Browser
		}

	case strings.HasPrefix(field, "metadata."):
		if event.Metadata == nil {
			return nil
		}
		return event.Metadata[strings.TrimPrefix(field, "metadata.")]
	}

	return nil
}

// privilegeMarkers flag actions that change who can do what.
var privilegeMarkers = []string{
	"GRANT", "ELEVATE", "PRIVILEGE", "ROLE", "PERMISSION", "SUDO", "ADMIN",
}

// isPrivilegeEscalation reports whether the event is an administrative
// action that alters privileges.
func isPrivilegeEscalation(event *domain.ActivityEvent) bool {
	if event.ActivityType != domain.ActivityAdministration && event.ActivityType != domain.ActivityConfiguration {
		return false
	}

	action := strings.ToUpper(event.Action)
	for _, marker := range privilegeMarkers {
		if strings.Contains(action, marker) {
			return true
		}
	}
	return false
}
