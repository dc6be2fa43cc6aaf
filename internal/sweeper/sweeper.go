// internal/sweeper/sweeper.go - Periodic retention enforcement
package sweeper

import (
    "context"
    "time"

    "github.com/sirupsen/logrus"

    "fleetd/internal/database"
    "fleetd/internal/metrics"
)

// Sweeper trims aged records on a fixed interval so history stays bounded.
// Each cycle reads the settings snapshot current at that moment; a settings
// change applies from the next cycle on.
type Sweeper struct {
    store     database.Store
    settings  *database.SettingsCache
    collector *metrics.Collector
    interval  time.Duration
}

func New(store database.Store, settings *database.SettingsCache, collector *metrics.Collector, interval time.Duration) *Sweeper {
    return &Sweeper{
        store:     store,
        settings:  settings,
        collector: collector,
        interval:  interval,
    }
}

// Run blocks until ctx is canceled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
    ticker := time.NewTicker(s.interval)
    defer ticker.Stop()

    logrus.WithField("interval", s.interval).Info("Retention sweeper started")
    for {
        select {
        case <-ctx.Done():
            logrus.Info("Retention sweeper stopped")
            return
        case <-ticker.C:
            s.Sweep(ctx)
        }
    }
}

// Sweep runs one retention pass. All cutoffs derive from a single
// timestamp taken at the start of the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
    now := time.Now().UTC()
    cfg := s.settings.Current()

    if days := cfg.RetentionDaysMessages; days > 0 {
        cutoff := now.AddDate(0, 0, -days)
        if n, err := s.store.DeleteMessagesBefore(ctx, cutoff); err != nil {
            logrus.WithError(err).Error("Failed to sweep messages")
        } else if n > 0 {
            s.collector.RecordSweep("messages", n)
            logrus.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("Swept aged messages")
        }
    }

    if days := cfg.RetentionDaysScreenshots; days > 0 {
        cutoff := now.AddDate(0, 0, -days)
        if n, err := s.store.DeleteScreenshotsBefore(ctx, cutoff); err != nil {
            logrus.WithError(err).Error("Failed to sweep screenshots")
        } else if n > 0 {
            s.collector.RecordSweep("screenshots", n)
            logrus.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("Swept aged screenshots")
        }
    }

    if days := cfg.RetentionDaysAlerts; days > 0 {
        cutoff := now.AddDate(0, 0, -days)
        if n, err := s.store.DeleteResolvedAlertsBefore(ctx, cutoff); err != nil {
            logrus.WithError(err).Error("Failed to sweep resolved alerts")
        } else if n > 0 {
            s.collector.RecordSweep("alerts", n)
            logrus.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("Swept resolved alerts")
        }
    }

    if n, err := s.store.ExpireOverdueActions(ctx, now); err != nil {
        logrus.WithError(err).Error("Failed to expire overdue actions")
    } else if n > 0 {
        s.collector.RecordSweep("expired_actions", n)
        logrus.WithField("expired", n).Info("Expired overdue remote actions")
    }

    if err := s.collector.UpdateSystemMetrics(ctx); err != nil {
        logrus.WithError(err).Warn("Failed to refresh system metrics")
    }
}
