// Package activity records user activity events and serves the
// recent-window reads the detection passes run on.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultVelocityWindow is the tumbling window for per-user event
// counters when configuration does not set one.
const DefaultVelocityWindow = time.Hour

// Service is the activity ingestion service. It persists events,
// keeps per-user velocity counters, and announces ingested events on
// the bus for the async detection pipeline.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	window time.Duration
}

// NewService creates an activity service. Cache and bus are optional:
// without a cache, velocity counts fall back to the repository; without
// a bus, ingestion is silent.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus, velocityWindow time.Duration) *Service {
	if velocityWindow <= 0 {
		velocityWindow = DefaultVelocityWindow
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		bus:    bus,
		window: velocityWindow,
	}
}

// Record persists an activity event, fills in defaults in place, and
// publishes it on activity.ingested. Returns the user's event count
// within the velocity window, or zero when no counter source answered.
func (s *Service) Record(ctx context.Context, tenantID string, event *domain.ActivityEvent) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if event == nil {
		return 0, fmt.Errorf("event is required")
	}
	if event.UserID == "" {
		return 0, fmt.Errorf("userId is required")
	}
	if event.ActivityType == "" {
		return 0, fmt.Errorf("activityType is required")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.TenantID = tenantID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = domain.ActivityStatusSuccess
	}
	if event.Severity == "" {
		event.Severity = domain.SeverityLow
	}

	if err := s.repo.SaveActivity(ctx, tenantID, event); err != nil {
		return 0, fmt.Errorf("failed to save activity event: %w", err)
	}

	metrics.ActivitiesIngested.WithLabelValues(event.ActivityType).Inc()

	velocity := s.velocityCount(ctx, tenantID, event.UserID)

	if s.bus != nil {
		s.publish(ctx, tenantID, event)
	}

	return velocity, nil
}

// Recent returns the user's events within the window, newest first.
// A non-positive window falls back to the velocity window.
func (s *Service) Recent(ctx context.Context, tenantID, userID string, window time.Duration) ([]*domain.ActivityEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("userId is required")
	}
	if window <= 0 {
		window = s.window
	}

	since := time.Now().Add(-window)
	return s.repo.GetActivitiesByUser(ctx, tenantID, userID, since)
}

// CountRecent returns the exact number of the user's events within the
// window, straight from the repository.
func (s *Service) CountRecent(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	events, err := s.Recent(ctx, tenantID, userID, window)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// velocityCount increments the user's windowed counter. The cache is
// the fast path; the repository answers when the cache is absent or
// failing.
func (s *Service) velocityCount(ctx context.Context, tenantID, userID string) int64 {
	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, tenantID, velocityKey(userID), s.window)
		if err == nil {
			return count
		}
		slog.Warn("velocity counter increment failed, falling back to repository",
			"tenantId", tenantID,
			"userId", userID,
			"error", err,
		)
	}

	count, err := s.CountRecent(ctx, tenantID, userID, s.window)
	if err != nil {
		slog.Warn("velocity fallback count failed",
			"tenantId", tenantID,
			"userId", userID,
			"error", err,
		)
		return 0
	}
	return count
}

func (s *Service) publish(ctx context.Context, tenantID string, event *domain.ActivityEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal activity event", "eventId", event.ID, "error", err)
		return
	}

	if err := s.bus.Publish(ctx, tenantID, domain.TopicActivityIngested, payload); err != nil {
		slog.Error("failed to publish activity event",
			"eventId", event.ID,
			"topic", domain.TopicActivityIngested,
			"error", err,
		)
	}
}

func velocityKey(userID string) string {
	return "activity:" + userID
}
