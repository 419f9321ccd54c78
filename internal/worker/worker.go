// Package worker provides async activity processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker consumes ingested activity from the EventBus, runs the
// detection sweep, and hands raised alerts to the alert manager. It
// also owns the periodic baseline refresh.
type Worker struct {
	bus       domain.EventBus
	detector  *detect.Engine
	alerts    *alerts.Manager
	baselines *baseline.Updater

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants whose activity streams to consume.
	TenantIDs []string

	// BaselineInterval is the gap between baseline refresh sweeps.
	// Zero disables the refresher.
	BaselineInterval time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, detector *detect.Engine, alertManager *alerts.Manager, baselines *baseline.Updater) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		detector:  detector,
		alerts:    alertManager,
		baselines: baselines,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing activity for the given tenants.
func (w *Worker) Start(cfg Config) error {
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	if cfg.BaselineInterval > 0 && w.baselines != nil {
		w.wg.Add(1)
		go w.baselineLoop(cfg.BaselineInterval, cfg.TenantIDs)
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"baseline_interval", cfg.BaselineInterval,
	)

	return nil
}

// startTenantWorker subscribes one tenant's activity stream.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicActivityIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processActivity(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicActivityIngested,
	)

	return nil
}

// processActivity runs the detection sweep for one ingested event. The
// event was persisted before publication, so window counts here see it.
func (w *Worker) processActivity(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var event domain.ActivityEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse activity message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if event.TenantID != "" {
		tenantID = event.TenantID
	} else {
		event.TenantID = tenantID
	}

	raised, err := w.detector.AnalyzeActivity(ctx, &event)
	if err != nil {
		slog.Error("detection sweep failed",
			"event_id", event.ID,
			"error", err,
		)
		return err
	}

	saved := 0
	for _, alert := range raised {
		if err := w.alerts.Create(ctx, tenantID, alert); err != nil {
			slog.Error("failed to raise alert",
				"alert_type", alert.AlertType,
				"error", err,
			)
			continue
		}
		saved++
	}

	slog.Info("activity processed",
		"event_id", event.ID,
		"tenant_id", tenantID,
		"user_id", event.UserID,
		"alerts", saved,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// baselineLoop refreshes behavioral baselines on a fixed interval until
// the worker is stopped.
func (w *Worker) baselineLoop(interval time.Duration, tenantIDs []string) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range tenantIDs {
				updated, err := w.baselines.UpdateAll(w.ctx, tenantID)
				if err != nil {
					slog.Error("baseline sweep failed",
						"tenant_id", tenantID,
						"error", err,
					)
					continue
				}
				slog.Debug("baseline sweep complete",
					"tenant_id", tenantID,
					"updated", updated,
				)
			}
		}
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
