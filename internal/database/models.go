// internal/database/models.go
package database

import (
    "encoding/json"
    "fmt"
    "time"
)

// Host is the registry entry for one remote agent. Hosts are created on the
// first successful ingestion under a valid API key and are never hard-deleted
// while active; operators may soft-mark them inactive instead.
type Host struct {
    AgentID      string            `json:"agent_id"`
    DisplayName  string            `json:"display_name"`
    OSFamily     string            `json:"os_family"`
    OSVersion    string            `json:"os_version"`
    Location     string            `json:"location"`
    Latitude     *float64          `json:"latitude,omitempty"`
    Longitude    *float64          `json:"longitude,omitempty"`
    Contact      string            `json:"contact"`
    Tags         map[string]string `json:"tags,omitempty"`
    Notes        string            `json:"notes,omitempty"`
    Inactive     bool              `json:"inactive"`
    RegisteredAt time.Time         `json:"registered_at"`
    LastSeenAt   time.Time         `json:"last_seen_at"`
    UpdatedAt    time.Time         `json:"updated_at"`
}

// Message is one immutable telemetry record. Ordering is by the
// agent-reported capture timestamp, tie-broken by the sequence number the
// store assigns at append time.
type Message struct {
    ID         string          `json:"id"`
    AgentID    string          `json:"agent_id"`
    Seq        uint64          `json:"seq"`
    CapturedAt time.Time       `json:"captured_at"`
    ReceivedAt time.Time       `json:"received_at"`
    Category   string          `json:"category"`
    Subtype    string          `json:"subtype"`
    Level      string          `json:"level"`
    Payload    json.RawMessage `json:"payload"`
}

type RAMInfo struct {
    UsedMB  *float64 `json:"usedMB"`
    TotalMB *float64 `json:"totalMB"`
}

type DiskVolume struct {
    Name    string   `json:"name"`
    UsedPct *float64 `json:"usedPct"`
    FreeGB  *float64 `json:"freeGB"`
}

type DiskInfo struct {
    MaxUsedPct *float64     `json:"maxUsedPct"`
    Volumes    []DiskVolume `json:"volumes"`
}

type NetworkInfo struct {
    AdapterCount *int   `json:"adapterCount"`
    PrimaryIP    string `json:"primaryIP"`
}

type AntivirusInfo struct {
    Enabled  *bool    `json:"enabled"`
    UpToDate *bool    `json:"upToDate"`
    Products []string `json:"products"`
    Error    string   `json:"error,omitempty"`
}

type FirewallInfo struct {
    Domain            *bool  `json:"domain"`
    PrivateProfile    *bool  `json:"privateProfile"`
    PublicProfile     *bool  `json:"publicProfile"`
    AnyProfileEnabled *bool  `json:"anyProfileEnabled"`
    Error             string `json:"error,omitempty"`
}

type UpdatesInfo struct {
    Pending   *int   `json:"pending"`
    LastCheck string `json:"lastCheck"`
    Error     string `json:"error,omitempty"`
}

type EventsInfo struct {
    Errors24h *int     `json:"errors24h"`
    Errors    []string `json:"errors"`
    Error     string   `json:"error,omitempty"`
}

// HealthSnapshot is the normalized full-state payload an agent sends with
// category "host", subtype "snapshot". Field names follow the agent wire
// format. Pointer fields distinguish "not reported" from zero values.
type HealthSnapshot struct {
    CPUPct    *float64      `json:"cpuPct"`
    RAM       RAMInfo       `json:"ram"`
    Disk      DiskInfo      `json:"disk"`
    Network   NetworkInfo   `json:"network"`
    Antivirus AntivirusInfo `json:"antivirus"`
    Firewall  FirewallInfo  `json:"firewall"`
    Updates   UpdatesInfo   `json:"updates"`
    Events    EventsInfo    `json:"events"`
    OSFamily  string        `json:"osFamily,omitempty"`
    OSVersion string        `json:"osVersion,omitempty"`
}

// LatestState is the single authoritative snapshot row per host. It is
// overwritten only when an ingested snapshot carries a newer capture
// timestamp than the stored one, which makes re-delivery idempotent.
type LatestState struct {
    AgentID      string         `json:"agent_id"`
    CapturedAt   time.Time      `json:"captured_at"`
    Snapshot     HealthSnapshot `json:"snapshot"`
    ScreenshotID string         `json:"screenshot_id,omitempty"`
    UpdatedAt    time.Time      `json:"updated_at"`
}

// Screenshot is a captured desktop image referenced by LatestState.
type Screenshot struct {
    ID        string    `json:"id"`
    AgentID   string    `json:"agent_id"`
    MimeType  string    `json:"mime_type"`
    Data      []byte    `json:"data"`
    CreatedAt time.Time `json:"created_at"`
}

// Alert severities.
const (
    SeverityInfo     = "info"
    SeverityWarning  = "warning"
    SeverityCritical = "critical"
)

// Alert records a rule breach. At most one open alert exists per
// (agent, rule) pair; the store enforces that on open.
type Alert struct {
    ID         string     `json:"id"`
    AgentID    string     `json:"agent_id"`
    Rule       string     `json:"rule"`
    Severity   string     `json:"severity"`
    Message    string     `json:"message"`
    Value      float64    `json:"value"`
    OpenedAt   time.Time  `json:"opened_at"`
    ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (a *Alert) Open() bool {
    return a.ResolvedAt == nil
}

// Remote action states. Commands and file transfers move strictly forward;
// no state is ever revisited.
const (
    ActionPending    = "pending"
    ActionDispatched = "dispatched"
    ActionCompleted  = "completed"
    ActionDownloaded = "downloaded"
    ActionFailed     = "failed"
    ActionExpired    = "expired"
    ActionCanceled   = "canceled"
)

// TerminalAction reports whether a command/transfer state admits no
// further transitions.
func TerminalAction(status string) bool {
    switch status {
    case ActionCompleted, ActionDownloaded, ActionFailed, ActionExpired, ActionCanceled:
        return true
    }
    return false
}

// RemoteCommand is an operator-issued script queued for an agent to poll.
type RemoteCommand struct {
    ID           string     `json:"id"`
    AgentID      string     `json:"agent_id"`
    IssuedBy     string     `json:"issued_by"`
    Command      string     `json:"command"`
    Status       string     `json:"status"`
    Result       string     `json:"result,omitempty"`
    CreatedAt    time.Time  `json:"created_at"`
    DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
    ResultAt     *time.Time `json:"result_at,omitempty"`
    ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// FileTransfer stages a file payload for an agent to download. Lifecycle
// mirrors RemoteCommand with "downloaded" in place of "completed".
type FileTransfer struct {
    ID           string     `json:"id"`
    AgentID      string     `json:"agent_id"`
    IssuedBy     string     `json:"issued_by"`
    Filename     string     `json:"filename"`
    StoredPath   string     `json:"stored_path"`
    MimeType     string     `json:"mime_type"`
    SizeBytes    int64      `json:"size_bytes"`
    Status       string     `json:"status"`
    Result       string     `json:"result,omitempty"`
    CreatedAt    time.Time  `json:"created_at"`
    DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
    ResultAt     *time.Time `json:"result_at,omitempty"`
    ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ApiKey is an opaque agent credential. Only the salted hash is stored.
// An empty AgentIDs list means the key is valid fleet-wide.
type ApiKey struct {
    ID         string     `json:"id"`
    Name       string     `json:"name"`
    KeyHash    string     `json:"key_hash"`
    Salt       string     `json:"salt"`
    AgentIDs   []string   `json:"agent_ids,omitempty"`
    Active     bool       `json:"active"`
    ExpiresAt  *time.Time `json:"expires_at,omitempty"`
    CreatedAt  time.Time  `json:"created_at"`
    LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AlertRule configures one threshold rule. Margin is the hysteresis band:
// an open alert resolves only once the value drops below
// threshold - margin, not merely below threshold.
type AlertRule struct {
    Enabled     bool    `json:"enabled"`
    Threshold   float64 `json:"threshold"`
    Margin      float64 `json:"margin"`
    MinBreaches int     `json:"min_breaches"`
    Severity    string  `json:"severity"`
}

// Settings is the process-wide module configuration. It is persisted as a
// single row, loaded at startup, and replaced wholesale through the
// administrative update path; readers always see a complete snapshot.
type Settings struct {
    RetentionDaysMessages    int                  `json:"retention_days_messages"`
    RetentionDaysScreenshots int                  `json:"retention_days_screenshots"`
    RetentionDaysAlerts      int                  `json:"retention_days_alerts"`
    CommandTTL               time.Duration        `json:"command_ttl"`
    ReofferTimeout           time.Duration        `json:"reoffer_timeout"`
    AlertRules               map[string]AlertRule `json:"alert_rules"`
    MapZoom                  int                  `json:"map_zoom"`
    MapPinIcon               string               `json:"map_pin_icon"`
    UpdatedAt                time.Time            `json:"updated_at"`
}

// Validate rejects settings snapshots that would stall the queues or the
// sweeper. The replace path is wholesale, so a partial snapshot with
// zeroed durations must never reach the store.
func (s *Settings) Validate() error {
    if s.RetentionDaysMessages <= 0 || s.RetentionDaysScreenshots <= 0 || s.RetentionDaysAlerts <= 0 {
        return fmt.Errorf("retention windows must be positive")
    }
    if s.CommandTTL <= 0 {
        return fmt.Errorf("command_ttl must be positive")
    }
    if s.ReofferTimeout <= 0 {
        return fmt.Errorf("reoffer_timeout must be positive")
    }
    if len(s.AlertRules) == 0 {
        return fmt.Errorf("alert_rules must not be empty")
    }
    return nil
}

// DefaultSettings mirrors the rule defaults the fleet module ships with.
func DefaultSettings() *Settings {
    return &Settings{
        RetentionDaysMessages:    60,
        RetentionDaysScreenshots: 30,
        RetentionDaysAlerts:      30,
        CommandTTL:               24 * time.Hour,
        ReofferTimeout:           10 * time.Minute,
        MapZoom:                  5,
        MapPinIcon:               "fa-map-pin",
        AlertRules: map[string]AlertRule{
            "cpu":       {Enabled: true, Threshold: 90, Margin: 5, MinBreaches: 1, Severity: SeverityCritical},
            "disk":      {Enabled: true, Threshold: 85, Margin: 5, MinBreaches: 1, Severity: SeverityWarning},
            "antivirus": {Enabled: true, Severity: SeverityCritical},
            "updates":   {Enabled: true, Threshold: 0, Severity: SeverityWarning},
            "events":    {Enabled: true, Threshold: 0, Severity: SeverityWarning},
        },
    }
}

type HostFilters struct {
    Inactive *bool
    Search   string
}

type MessageFilters struct {
    AgentID  string
    Category string
    Subtype  string
    Level    string
    Since    *time.Time
    Until    *time.Time
    Search   string
    Limit    int
    Offset   int
}

type AlertFilters struct {
    AgentID  string
    Rule     string
    Severity string
    Open     *bool
    Limit    int
}

type ActionFilters struct {
    AgentID string
    Status  string
    Limit   int
}

// StoreStats summarizes bucket sizes for the operator stats endpoint.
type StoreStats struct {
    Hosts         int       `json:"hosts"`
    Messages      int       `json:"messages"`
    Screenshots   int       `json:"screenshots"`
    OpenAlerts    int       `json:"open_alerts"`
    TotalAlerts   int       `json:"total_alerts"`
    Commands      int       `json:"commands"`
    Transfers     int       `json:"transfers"`
    DatabaseSize  int64     `json:"database_size_bytes"`
    OldestMessage time.Time `json:"oldest_message"`
    NewestMessage time.Time `json:"newest_message"`
}
