// internal/alerting/engine.go - Threshold evaluation and alert lifecycle
package alerting

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/sirupsen/logrus"

    "fleetd/internal/database"
    "fleetd/internal/metrics"
)

// Engine evaluates alert rules against host state. Breach streaks live in
// memory only; after a restart a rule with min_breaches > 1 needs that many
// fresh consecutive breaches before opening, which errs on the quiet side.
type Engine struct {
    store     database.Store
    collector *metrics.Collector

    mu      sync.Mutex
    streaks map[string]int // agentID + ":" + rule
}

func NewEngine(store database.Store, collector *metrics.Collector) *Engine {
    return &Engine{
        store:     store,
        collector: collector,
        streaks:   make(map[string]int),
    }
}

// EvaluateState runs every enabled threshold rule against the host's
// authoritative snapshot. Called once per ingested batch, after the batch
// has been persisted, never per record.
func (e *Engine) EvaluateState(ctx context.Context, state *database.LatestState, rules map[string]database.AlertRule) {
    snap := &state.Snapshot

    e.evaluateNumeric(ctx, state.AgentID, "cpu", rules, snap.CPUPct,
        func(v float64) string { return fmt.Sprintf("CPU load at %.1f%%", v) })
    e.evaluateNumeric(ctx, state.AgentID, "disk", rules, snap.Disk.MaxUsedPct,
        func(v float64) string { return fmt.Sprintf("Disk utilization at %.1f%%", v) })
    e.evaluateCount(ctx, state.AgentID, "updates", rules, snap.Updates.Pending,
        func(n int) string { return fmt.Sprintf("%d pending OS updates", n) })
    e.evaluateCount(ctx, state.AgentID, "events", rules, snap.Events.Errors24h,
        func(n int) string { return fmt.Sprintf("%d error events in the last 24h", n) })
    e.evaluateAntivirus(ctx, state.AgentID, rules, &snap.Antivirus)
}

// evaluateNumeric applies threshold/hysteresis semantics to a gauge metric.
// Breach at value >= threshold; resolution only once the value drops below
// threshold - margin. Values inside the band keep an open alert open and do
// not extend a breach streak.
func (e *Engine) evaluateNumeric(ctx context.Context, agentID, rule string, rules map[string]database.AlertRule, value *float64, message func(float64) string) {
    cfg, ok := rules[rule]
    if !ok || !cfg.Enabled || value == nil {
        return
    }

    switch {
    case *value >= cfg.Threshold:
        if e.bumpStreak(agentID, rule) < minBreaches(cfg) {
            return
        }
        e.open(ctx, &database.Alert{
            AgentID:  agentID,
            Rule:     rule,
            Severity: cfg.Severity,
            Message:  message(*value),
            Value:    *value,
        })
    case *value < cfg.Threshold-cfg.Margin:
        e.resetStreak(agentID, rule)
        e.resolve(ctx, agentID, rule)
    default:
        // Inside the hysteresis band.
        e.resetStreak(agentID, rule)
    }
}

// evaluateCount applies the same lifecycle to counter metrics, where any
// value above the threshold breaches and margins rarely apply.
func (e *Engine) evaluateCount(ctx context.Context, agentID, rule string, rules map[string]database.AlertRule, value *int, message func(int) string) {
    cfg, ok := rules[rule]
    if !ok || !cfg.Enabled || value == nil {
        return
    }

    v := float64(*value)
    switch {
    case v > cfg.Threshold:
        if e.bumpStreak(agentID, rule) < minBreaches(cfg) {
            return
        }
        e.open(ctx, &database.Alert{
            AgentID:  agentID,
            Rule:     rule,
            Severity: cfg.Severity,
            Message:  message(*value),
            Value:    v,
        })
    case v <= cfg.Threshold-cfg.Margin:
        e.resetStreak(agentID, rule)
        e.resolve(ctx, agentID, rule)
    default:
        e.resetStreak(agentID, rule)
    }
}

func (e *Engine) evaluateAntivirus(ctx context.Context, agentID string, rules map[string]database.AlertRule, av *database.AntivirusInfo) {
    cfg, ok := rules["antivirus"]
    if !ok || !cfg.Enabled {
        return
    }
    if av.Enabled == nil && av.UpToDate == nil {
        return
    }

    disabled := av.Enabled != nil && !*av.Enabled
    stale := av.UpToDate != nil && !*av.UpToDate
    if disabled || stale {
        msg := "Antivirus definitions out of date"
        if disabled {
            msg = "Antivirus protection disabled"
        }
        e.open(ctx, &database.Alert{
            AgentID:  agentID,
            Rule:     "antivirus",
            Severity: cfg.Severity,
            Message:  msg,
        })
        return
    }
    e.resolve(ctx, agentID, "antivirus")
}

// HandleEvent processes a discrete event record. Error or critical events
// open an alert directly with no threshold comparison; it resolves only on
// a counterpart "cleared" event or operator acknowledgment.
func (e *Engine) HandleEvent(ctx context.Context, msg *database.Message) {
    rule := "event:" + msg.Subtype

    switch msg.Level {
    case "error":
        e.open(ctx, &database.Alert{
            AgentID:  msg.AgentID,
            Rule:     rule,
            Severity: database.SeverityWarning,
            Message:  fmt.Sprintf("Event %s reported an error", msg.Subtype),
            OpenedAt: msg.CapturedAt,
        })
    case "critical":
        e.open(ctx, &database.Alert{
            AgentID:  msg.AgentID,
            Rule:     rule,
            Severity: database.SeverityCritical,
            Message:  fmt.Sprintf("Event %s reported a critical condition", msg.Subtype),
            OpenedAt: msg.CapturedAt,
        })
    case "cleared":
        e.resolve(ctx, msg.AgentID, rule)
    }
}

func (e *Engine) open(ctx context.Context, alert *database.Alert) {
    created, err := e.store.OpenAlert(ctx, alert)
    if err != nil {
        logrus.WithError(err).WithFields(logrus.Fields{
            "agent_id": alert.AgentID,
            "rule":     alert.Rule,
        }).Error("Failed to open alert")
        return
    }
    if created {
        e.collector.RecordAlertOpened(alert.Rule)
        logrus.WithFields(logrus.Fields{
            "agent_id": alert.AgentID,
            "rule":     alert.Rule,
            "severity": alert.Severity,
            "value":    alert.Value,
        }).Warn("Alert opened")
    }
}

func (e *Engine) resolve(ctx context.Context, agentID, rule string) {
    resolved, err := e.store.ResolveOpenAlert(ctx, agentID, rule, time.Now().UTC())
    if err != nil {
        logrus.WithError(err).WithFields(logrus.Fields{
            "agent_id": agentID,
            "rule":     rule,
        }).Error("Failed to resolve alert")
        return
    }
    if resolved {
        e.collector.RecordAlertResolved(rule)
        logrus.WithFields(logrus.Fields{
            "agent_id": agentID,
            "rule":     rule,
        }).Info("Alert resolved")
    }
}

func (e *Engine) bumpStreak(agentID, rule string) int {
    e.mu.Lock()
    defer e.mu.Unlock()
    key := agentID + ":" + rule
    e.streaks[key]++
    return e.streaks[key]
}

func (e *Engine) resetStreak(agentID, rule string) {
    e.mu.Lock()
    defer e.mu.Unlock()
    delete(e.streaks, agentID+":"+rule)
}

func minBreaches(cfg database.AlertRule) int {
    if cfg.MinBreaches < 1 {
        return 1
    }
    return cfg.MinBreaches
}
