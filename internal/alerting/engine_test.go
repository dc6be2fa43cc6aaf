// internal/alerting/engine_test.go
package alerting

import (
    "context"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "fleetd/internal/database"
    "fleetd/internal/metrics"
)

func newTestEngine(t *testing.T) (*Engine, database.Store) {
    t.Helper()
    store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
    require.NoError(t, err)
    t.Cleanup(func() { store.Close() })
    return NewEngine(store, metrics.NewCollector(store)), store
}

func diskState(agentID string, usedPct float64) *database.LatestState {
    return &database.LatestState{
        AgentID:    agentID,
        CapturedAt: time.Now().UTC(),
        Snapshot: database.HealthSnapshot{
            Disk: database.DiskInfo{MaxUsedPct: &usedPct},
        },
    }
}

func openAlerts(t *testing.T, store database.Store, agentID, rule string) []database.Alert {
    t.Helper()
    open := true
    alerts, err := store.GetAlerts(context.Background(), database.AlertFilters{AgentID: agentID, Rule: rule, Open: &open})
    require.NoError(t, err)
    return alerts
}

func TestDiskHysteresis(t *testing.T) {
    engine, store := newTestEngine(t)
    ctx := context.Background()
    rules := map[string]database.AlertRule{
        "disk": {Enabled: true, Threshold: 90, Margin: 5, Severity: database.SeverityWarning},
    }

    // 95% breaches and opens exactly one alert.
    engine.EvaluateState(ctx, diskState("h1", 95), rules)
    require.Len(t, openAlerts(t, store, "h1", "disk"), 1)

    // 88% sits inside the margin band; the alert stays open.
    engine.EvaluateState(ctx, diskState("h1", 88), rules)
    require.Len(t, openAlerts(t, store, "h1", "disk"), 1)

    // 80% crosses past threshold minus margin and resolves.
    engine.EvaluateState(ctx, diskState("h1", 80), rules)
    require.Empty(t, openAlerts(t, store, "h1", "disk"))

    // Oscillating back into the band must not reopen.
    engine.EvaluateState(ctx, diskState("h1", 88), rules)
    require.Empty(t, openAlerts(t, store, "h1", "disk"))
}

func TestRepeatedBreachesKeepSingleAlert(t *testing.T) {
    engine, store := newTestEngine(t)
    ctx := context.Background()
    rules := map[string]database.AlertRule{
        "disk": {Enabled: true, Threshold: 90, Margin: 5, Severity: database.SeverityWarning},
    }

    for _, pct := range []float64{91, 93, 99, 95} {
        engine.EvaluateState(ctx, diskState("h1", pct), rules)
    }

    alerts := openAlerts(t, store, "h1", "disk")
    require.Len(t, alerts, 1)
    require.Equal(t, 95.0, alerts[0].Value)
}

func TestMinBreachesDelaysOpening(t *testing.T) {
    engine, store := newTestEngine(t)
    ctx := context.Background()
    cpu := func(pct float64) *database.LatestState {
        return &database.LatestState{
            AgentID:    "h1",
            CapturedAt: time.Now().UTC(),
            Snapshot:   database.HealthSnapshot{CPUPct: &pct},
        }
    }
    rules := map[string]database.AlertRule{
        "cpu": {Enabled: true, Threshold: 90, Margin: 5, MinBreaches: 3, Severity: database.SeverityCritical},
    }

    engine.EvaluateState(ctx, cpu(95), rules)
    engine.EvaluateState(ctx, cpu(96), rules)
    require.Empty(t, openAlerts(t, store, "h1", "cpu"))

    // A dip below threshold resets the streak.
    engine.EvaluateState(ctx, cpu(50), rules)
    engine.EvaluateState(ctx, cpu(95), rules)
    engine.EvaluateState(ctx, cpu(96), rules)
    require.Empty(t, openAlerts(t, store, "h1", "cpu"))

    engine.EvaluateState(ctx, cpu(97), rules)
    require.Len(t, openAlerts(t, store, "h1", "cpu"), 1)
}

func TestAntivirusRule(t *testing.T) {
    engine, store := newTestEngine(t)
    ctx := context.Background()
    rules := database.DefaultSettings().AlertRules

    avState := func(enabled, upToDate bool) *database.LatestState {
        return &database.LatestState{
            AgentID:    "h1",
            CapturedAt: time.Now().UTC(),
            Snapshot: database.HealthSnapshot{
                Antivirus: database.AntivirusInfo{Enabled: &enabled, UpToDate: &upToDate},
            },
        }
    }

    engine.EvaluateState(ctx, avState(false, true), rules)
    alerts := openAlerts(t, store, "h1", "antivirus")
    require.Len(t, alerts, 1)
    require.Equal(t, database.SeverityCritical, alerts[0].Severity)

    engine.EvaluateState(ctx, avState(true, true), rules)
    require.Empty(t, openAlerts(t, store, "h1", "antivirus"))
}

func TestUpdatesAndEventsCounters(t *testing.T) {
    engine, store := newTestEngine(t)
    ctx := context.Background()
    rules := database.DefaultSettings().AlertRules

    pending := 4
    errors := 0
    state := &database.LatestState{
        AgentID:    "h1",
        CapturedAt: time.Now().UTC(),
        Snapshot: database.HealthSnapshot{
            Updates: database.UpdatesInfo{Pending: &pending},
            Events:  database.EventsInfo{Errors24h: &errors},
        },
    }

    engine.EvaluateState(ctx, state, rules)
    require.Len(t, openAlerts(t, store, "h1", "updates"), 1)
    require.Empty(t, openAlerts(t, store, "h1", "events"))

    pending = 0
    engine.EvaluateState(ctx, state, rules)
    require.Empty(t, openAlerts(t, store, "h1", "updates"))
}

func TestDiscreteEventAlerts(t *testing.T) {
    engine, store := newTestEngine(t)
    ctx := context.Background()

    event := func(level string) *database.Message {
        return &database.Message{
            AgentID:    "h1",
            CapturedAt: time.Now().UTC(),
            Category:   "event",
            Subtype:    "disk_failure",
            Level:      level,
        }
    }

    engine.HandleEvent(ctx, event("critical"))
    alerts := openAlerts(t, store, "h1", "event:disk_failure")
    require.Len(t, alerts, 1)
    require.Equal(t, database.SeverityCritical, alerts[0].Severity)

    // Only a cleared counterpart (or operator ack) resolves it.
    engine.HandleEvent(ctx, event("info"))
    require.Len(t, openAlerts(t, store, "h1", "event:disk_failure"), 1)

    engine.HandleEvent(ctx, event("cleared"))
    require.Empty(t, openAlerts(t, store, "h1", "event:disk_failure"))
}
