package domain

import "time"

// UserBaseline is a per-user behavioral profile used to judge deviation.
// Recomputation replaces the whole record atomically; it is never merged.
type UserBaseline struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	Profile    BaselineProfile    `json:"profile"`
	Statistics BaselineStatistics `json:"statistics"`
	Thresholds AnomalyThresholds  `json:"anomalyThresholds"`
}

// BaselineProfile captures the user's typical behavior.
type BaselineProfile struct {
	// TypicalHours are the top-5 most frequent hours of day (0-23).
	TypicalHours []int `json:"typicalHours"`

	// CommonLocations are the top-5 most frequent cities.
	CommonLocations []string `json:"commonLocations"`

	// TypicalDevices are the top-5 most frequent device types.
	TypicalDevices []string `json:"typicalDevices"`

	// NormalActivityVolume is the daily average over the trailing window.
	NormalActivityVolume float64 `json:"normalActivityVolume"`

	// CommonActivityTypes are the top-5 most frequent activity types.
	CommonActivityTypes []string `json:"commonActivityTypes"`
}

// BaselineStatistics summarizes the window the profile was computed from.
type BaselineStatistics struct {
	TotalActivities      int64     `json:"totalActivities"`
	AverageRiskScore     float64   `json:"averageRiskScore"`
	ComplianceViolations int64     `json:"complianceViolations"`
	LastUpdated          time.Time `json:"lastUpdated"`
}

// AnomalyThresholds tune the statistical checks against this baseline.
type AnomalyThresholds struct {
	// VolumeMultiplier flags daily volume above multiplier * normal.
	VolumeMultiplier float64 `json:"volumeMultiplier"`

	// MinSamples gates anomaly checks: below this activity count the
	// baseline is considered unstable and checks are skipped.
	MinSamples int `json:"minSamples"`
}

// Trustworthy reports whether the baseline has enough history for
// anomaly checks.
func (b *UserBaseline) Trustworthy() bool {
	if b == nil {
		return false
	}
	min := b.Thresholds.MinSamples
	if min <= 0 {
		min = 10
	}
	return b.Statistics.TotalActivities > int64(min)
}

// HasTypicalHour reports whether hour is in the profile's typical set.
func (b *UserBaseline) HasTypicalHour(hour int) bool {
	for _, h := range b.Profile.TypicalHours {
		if h == hour {
			return true
		}
	}
	return false
}

// HasCommonLocation reports whether city is in the profile's common set.
func (b *UserBaseline) HasCommonLocation(city string) bool {
	for _, c := range b.Profile.CommonLocations {
		if c == city {
			return true
		}
	}
	return false
}

// HasTypicalDevice reports whether deviceType is in the profile's set.
func (b *UserBaseline) HasTypicalDevice(deviceType string) bool {
	for _, d := range b.Profile.TypicalDevices {
		if d == deviceType {
			return true
		}
	}
	return false
}
