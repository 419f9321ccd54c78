// Package baseline computes per-user behavioral profiles from activity
// history. Profiles are recomputed from scratch over a trailing window
// and replace the stored baseline wholesale; nothing is merged.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultWindow is the trailing history window profiles are built from.
const DefaultWindow = 30 * 24 * time.Hour

// topN is how many entries each profile ranking keeps.
const topN = 5

// Updater recomputes and stores user baselines.
type Updater struct {
	repo       domain.Repository
	cache      domain.Cache
	window     time.Duration
	cacheTTL   time.Duration
	minSamples int
}

// NewUpdater creates a baseline updater. Cache is optional; when set,
// refreshed baselines are written through with the given TTL.
func NewUpdater(repo domain.Repository, cache domain.Cache, cacheTTL time.Duration, minSamples int) *Updater {
	if minSamples <= 0 {
		minSamples = 10
	}
	return &Updater{
		repo:       repo,
		cache:      cache,
		window:     DefaultWindow,
		cacheTTL:   cacheTTL,
		minSamples: minSamples,
	}
}

// Compute builds a baseline from the events of one user. Pure; callers
// own fetching the window.
func (u *Updater) Compute(tenantID, userID string, events []*domain.ActivityEvent) *domain.UserBaseline {
	hourCounts := make(map[int]int)
	cityCounts := make(map[string]int)
	deviceCounts := make(map[string]int)
	typeCounts := make(map[string]int)

	var riskSum float64
	var violations int64

	for _, e := range events {
		hourCounts[e.Timestamp.Hour()]++
		typeCounts[e.ActivityType]++
		if e.Location != nil && e.Location.City != "" {
			cityCounts[e.Location.City]++
		}
		if e.DeviceInfo != nil && e.DeviceInfo.DeviceType != "" {
			deviceCounts[e.DeviceInfo.DeviceType]++
		}
		riskSum += e.RiskScore
		if e.Status == domain.ActivityStatusBlocked {
			violations++
		}
	}

	days := u.window.Hours() / 24
	if days <= 0 {
		days = 30
	}

	avgRisk := 0.0
	if len(events) > 0 {
		avgRisk = riskSum / float64(len(events))
	}

	return &domain.UserBaseline{
		UserID:   userID,
		TenantID: tenantID,
		Profile: domain.BaselineProfile{
			TypicalHours:         topHours(hourCounts),
			CommonLocations:      topStrings(cityCounts),
			TypicalDevices:       topStrings(deviceCounts),
			NormalActivityVolume: float64(len(events)) / days,
			CommonActivityTypes:  topStrings(typeCounts),
		},
		Statistics: domain.BaselineStatistics{
			TotalActivities:      int64(len(events)),
			AverageRiskScore:     avgRisk,
			ComplianceViolations: violations,
			LastUpdated:          time.Now().UTC(),
		},
		Thresholds: domain.AnomalyThresholds{
			VolumeMultiplier: 2.0,
			MinSamples:       u.minSamples,
		},
	}
}

// Update recomputes one user's baseline from the trailing window and
// stores it, replacing whatever was there.
func (u *Updater) Update(ctx context.Context, tenantID, userID string) (*domain.UserBaseline, error) {
	since := time.Now().UTC().Add(-u.window)

	events, err := u.repo.GetActivitiesByUser(ctx, tenantID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity window for %s: %w", userID, err)
	}

	baseline := u.Compute(tenantID, userID, events)

	if err := u.repo.SaveBaseline(ctx, tenantID, baseline); err != nil {
		return nil, fmt.Errorf("failed to save baseline for %s: %w", userID, err)
	}

	if u.cache != nil {
		if err := u.cache.SetBaseline(ctx, tenantID, userID, baseline, u.cacheTTL); err != nil {
			slog.Debug("failed to cache baseline", "userId", userID, "error", err)
		}
	}

	metrics.BaselinesUpdated.Inc()

	return baseline, nil
}

// UpdateAll refreshes baselines for every user active in the window.
// One user failing does not stop the rest; the count of successful
// refreshes is returned.
func (u *Updater) UpdateAll(ctx context.Context, tenantID string) (int, error) {
	since := time.Now().UTC().Add(-u.window)

	users, err := u.repo.ListActiveUsers(ctx, tenantID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list active users: %w", err)
	}

	updated := 0
	for _, userID := range users {
		if _, err := u.Update(ctx, tenantID, userID); err != nil {
			slog.Error("baseline refresh failed", "userId", userID, "error", err)
			continue
		}
		updated++
	}

	return updated, nil
}

// topHours ranks hours by frequency, most frequent first. Ties break
// toward the earlier hour so output is deterministic.
func topHours(counts map[int]int) []int {
	hours := make([]int, 0, len(counts))
	for h := range counts {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if counts[hours[i]] != counts[hours[j]] {
			return counts[hours[i]] > counts[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > topN {
		hours = hours[:topN]
	}
	return hours
}

// topStrings ranks string keys by frequency, most frequent first, with
// lexicographic tie-breaking.
func topStrings(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > topN {
		keys = keys[:topN]
	}
	return keys
}
