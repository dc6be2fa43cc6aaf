// internal/ingest/snapshot.go - Host snapshot normalization
package ingest

import (
    "encoding/base64"
    "encoding/json"
    "fmt"

    "fleetd/internal/database"
)

// Agents ship snapshots in two shapes: a flat document, or one with
// performance/storage/security sections. Normalization hoists the nested
// sections so the rest of the system only ever sees the flat form.
type wireSnapshot struct {
    database.HealthSnapshot
    ScreenshotB64 string `json:"screenshotB64,omitempty"`

    Performance *struct {
        CPUPct *float64          `json:"cpuPct"`
        RAM    *database.RAMInfo `json:"ram"`
    } `json:"performance,omitempty"`

    Storage *struct {
        Disk *database.DiskInfo `json:"disk"`
    } `json:"storage,omitempty"`

    Security *struct {
        Firewall  *database.FirewallInfo  `json:"firewall"`
        Antivirus *database.AntivirusInfo `json:"antivirus"`
    } `json:"security,omitempty"`
}

// normalizeSnapshot parses a snapshot payload into the canonical flat form
// and splits off the inline screenshot, if any. A screenshot that fails
// base64 decoding is dropped rather than failing the record.
func normalizeSnapshot(payload json.RawMessage) (*database.HealthSnapshot, []byte, error) {
    var wire wireSnapshot
    if err := json.Unmarshal(payload, &wire); err != nil {
        return nil, nil, fmt.Errorf("malformed snapshot payload: %w", err)
    }

    snap := wire.HealthSnapshot

    if wire.Performance != nil {
        if snap.CPUPct == nil {
            snap.CPUPct = wire.Performance.CPUPct
        }
        if wire.Performance.RAM != nil && snap.RAM.UsedMB == nil && snap.RAM.TotalMB == nil {
            snap.RAM = *wire.Performance.RAM
        }
    }
    if wire.Storage != nil && wire.Storage.Disk != nil {
        if snap.Disk.MaxUsedPct == nil && len(snap.Disk.Volumes) == 0 {
            snap.Disk = *wire.Storage.Disk
        }
    }
    if wire.Security != nil {
        if wire.Security.Firewall != nil && snap.Firewall.AnyProfileEnabled == nil {
            snap.Firewall = *wire.Security.Firewall
        }
        if wire.Security.Antivirus != nil && snap.Antivirus.Enabled == nil && snap.Antivirus.UpToDate == nil {
            snap.Antivirus = *wire.Security.Antivirus
        }
    }

    var screenshot []byte
    if wire.ScreenshotB64 != "" {
        decoded, err := base64.StdEncoding.DecodeString(wire.ScreenshotB64)
        if err == nil {
            screenshot = decoded
        }
    }

    return &snap, screenshot, nil
}
