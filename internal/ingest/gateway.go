// internal/ingest/gateway.go - Telemetry batch processing
package ingest

import (
    "bufio"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"

    "fleetd/internal/alerting"
    "fleetd/internal/database"
    "fleetd/internal/metrics"
)

// Inline screenshots arrive base64-encoded in the snapshot line, so single
// lines can run to several megabytes.
const maxLineBytes = 8 << 20

// Record is one NDJSON telemetry line as sent by an agent.
type Record struct {
    TS       string          `json:"ts"`
    Machine  string          `json:"machine"`
    Category string          `json:"category"`
    Subtype  string          `json:"subtype"`
    Level    string          `json:"level"`
    Payload  json.RawMessage `json:"payload"`
}

// BatchSummary is returned to the agent for every accepted batch. Skipped
// records are counted and described but never fail the batch; the agent
// must not retry records that were already accepted.
type BatchSummary struct {
    Accepted int      `json:"accepted"`
    Skipped  int      `json:"skipped"`
    Errors   []string `json:"errors,omitempty"`
}

// ErrEmptyBatch rejects bodies with no parseable lines at the batch level.
var ErrEmptyBatch = errors.New("batch contained no records")

type Gateway struct {
    store     database.Store
    alerts    *alerting.Engine
    settings  *database.SettingsCache
    collector *metrics.Collector
}

func NewGateway(store database.Store, alerts *alerting.Engine, settings *database.SettingsCache, collector *metrics.Collector) *Gateway {
    return &Gateway{
        store:     store,
        alerts:    alerts,
        settings:  settings,
        collector: collector,
    }
}

// ProcessBatch ingests one NDJSON batch for the authenticated agent.
// Malformed records are skipped and counted; after persistence the batch is
// evaluated once against the resulting latest state.
func (g *Gateway) ProcessBatch(ctx context.Context, agentID string, body io.Reader) (*BatchSummary, error) {
    start := time.Now()
    summary := &BatchSummary{}

    scanner := bufio.NewScanner(body)
    scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

    lineNo := 0
    sawLine := false
    for scanner.Scan() {
        line := strings.TrimSpace(scanner.Text())
        if line == "" {
            continue
        }
        lineNo++
        sawLine = true

        if err := g.processRecord(ctx, agentID, []byte(line)); err != nil {
            summary.Skipped++
            summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
            continue
        }
        summary.Accepted++
    }
    if err := scanner.Err(); err != nil {
        g.collector.RecordBatchFailure()
        return nil, fmt.Errorf("failed to read batch body: %w", err)
    }
    if !sawLine {
        g.collector.RecordBatchFailure()
        return nil, ErrEmptyBatch
    }

    if summary.Accepted > 0 {
        g.evaluate(ctx, agentID)
    }

    g.collector.RecordBatch(summary.Accepted, summary.Skipped, time.Since(start))
    logrus.WithFields(logrus.Fields{
        "agent_id": agentID,
        "accepted": summary.Accepted,
        "skipped":  summary.Skipped,
    }).Debug("Processed telemetry batch")
    return summary, nil
}

func (g *Gateway) processRecord(ctx context.Context, agentID string, line []byte) error {
    var rec Record
    if err := json.Unmarshal(line, &rec); err != nil {
        return fmt.Errorf("invalid JSON: %w", err)
    }

    if rec.Category == "" || rec.Subtype == "" {
        return errors.New("category and subtype are required")
    }
    if rec.Machine != "" && rec.Machine != agentID {
        return fmt.Errorf("record machine %q does not match authenticated agent", rec.Machine)
    }
    capturedAt, err := parseTimestamp(rec.TS)
    if err != nil {
        return err
    }
    if len(rec.Payload) == 0 {
        rec.Payload = json.RawMessage("{}")
    }

    if _, _, err := g.store.EnsureHost(ctx, agentID, capturedAt); err != nil {
        return fmt.Errorf("failed to register host: %w", err)
    }

    isSnapshot := rec.Category == "host" && rec.Subtype == "snapshot"
    storedPayload := rec.Payload
    var snap *database.HealthSnapshot
    var screenshotID string

    if isSnapshot {
        var screenshot []byte
        snap, screenshot, err = normalizeSnapshot(rec.Payload)
        if err != nil {
            return err
        }
        // The stored message carries the normalized form without the
        // inline screenshot bytes.
        if storedPayload, err = json.Marshal(snap); err != nil {
            return fmt.Errorf("failed to marshal snapshot: %w", err)
        }
        if len(screenshot) > 0 {
            shot := &database.Screenshot{
                ID:        uuid.New().String(),
                AgentID:   agentID,
                MimeType:  "image/png",
                Data:      screenshot,
                CreatedAt: capturedAt,
            }
            if err := g.store.PutScreenshot(ctx, shot); err != nil {
                return fmt.Errorf("failed to store screenshot: %w", err)
            }
            screenshotID = shot.ID
        }
    }

    msg := &database.Message{
        ID:         uuid.New().String(),
        AgentID:    agentID,
        CapturedAt: capturedAt,
        ReceivedAt: time.Now().UTC(),
        Category:   rec.Category,
        Subtype:    rec.Subtype,
        Level:      rec.Level,
        Payload:    storedPayload,
    }
    if err := g.store.AppendMessage(ctx, msg); err != nil {
        return fmt.Errorf("failed to persist record: %w", err)
    }

    if isSnapshot {
        applied, err := g.store.ApplyLatestState(ctx, &database.LatestState{
            AgentID:      agentID,
            CapturedAt:   capturedAt,
            Snapshot:     *snap,
            ScreenshotID: screenshotID,
        })
        if err != nil {
            return fmt.Errorf("failed to apply latest state: %w", err)
        }
        if applied {
            g.syncHostFromSnapshot(ctx, agentID, snap)
        }
    }

    if rec.Category == "event" {
        g.alerts.HandleEvent(ctx, msg)
    }
    return nil
}

// syncHostFromSnapshot backfills OS details onto the host record when the
// snapshot reports them.
func (g *Gateway) syncHostFromSnapshot(ctx context.Context, agentID string, snap *database.HealthSnapshot) {
    if snap.OSFamily == "" && snap.OSVersion == "" {
        return
    }
    host, err := g.store.GetHost(ctx, agentID)
    if err != nil {
        return
    }
    changed := false
    if snap.OSFamily != "" && host.OSFamily != snap.OSFamily {
        host.OSFamily = snap.OSFamily
        changed = true
    }
    if snap.OSVersion != "" && host.OSVersion != snap.OSVersion {
        host.OSVersion = snap.OSVersion
        changed = true
    }
    if !changed {
        return
    }
    if err := g.store.UpdateHost(ctx, host); err != nil {
        logrus.WithError(err).WithField("agent_id", agentID).Warn("Failed to sync host OS details")
    }
}

// evaluate runs the alert rules once per batch against whatever latest
// state the batch produced.
func (g *Gateway) evaluate(ctx context.Context, agentID string) {
    state, err := g.store.GetLatestState(ctx, agentID)
    if err != nil {
        if !errors.Is(err, database.ErrNotFound) {
            logrus.WithError(err).WithField("agent_id", agentID).Error("Failed to load latest state for evaluation")
        }
        return
    }
    g.alerts.EvaluateState(ctx, state, g.settings.Current().AlertRules)
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds, and
// the zone-less variant some agents send, which is taken as UTC.
func parseTimestamp(value string) (time.Time, error) {
    value = strings.TrimSpace(value)
    if value == "" {
        return time.Time{}, errors.New("capture timestamp is required")
    }
    if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
        return t.UTC(), nil
    }
    if t, err := time.Parse("2006-01-02T15:04:05.999999999", value); err == nil {
        return t.UTC(), nil
    }
    return time.Time{}, fmt.Errorf("invalid capture timestamp %q", value)
}
