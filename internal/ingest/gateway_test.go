// internal/ingest/gateway_test.go
package ingest

import (
    "context"
    "encoding/base64"
    "fmt"
    "path/filepath"
    "strings"
    "testing"

    "github.com/stretchr/testify/require"

    "fleetd/internal/alerting"
    "fleetd/internal/database"
    "fleetd/internal/metrics"
)

func newTestGateway(t *testing.T) (*Gateway, database.Store) {
    t.Helper()
    store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
    require.NoError(t, err)
    t.Cleanup(func() { store.Close() })

    settings, err := database.NewSettingsCache(context.Background(), store)
    require.NoError(t, err)

    collector := metrics.NewCollector(store)
    gw := NewGateway(store, alerting.NewEngine(store, collector), settings, collector)
    return gw, store
}

func snapshotLine(ts string, cpuPct float64) string {
    return fmt.Sprintf(`{"ts":%q,"machine":"wks-001","category":"host","subtype":"snapshot","level":"info","payload":{"cpuPct":%g}}`, ts, cpuPct)
}

func TestProcessBatchAcceptsAndRegistersHost(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()

    body := strings.Join([]string{
        snapshotLine("2026-08-28T10:00:00Z", 40),
        `{"ts":"2026-08-28T10:00:01Z","machine":"wks-001","category":"host","subtype":"heartbeat","level":"info","payload":{}}`,
    }, "\n")

    summary, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(body))
    require.NoError(t, err)
    require.Equal(t, 2, summary.Accepted)
    require.Equal(t, 0, summary.Skipped)

    host, err := store.GetHost(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, "wks-001", host.AgentID)

    state, err := store.GetLatestState(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, 40.0, *state.Snapshot.CPUPct)
}

func TestProcessBatchSkipsMalformedRecords(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()

    body := strings.Join([]string{
        `not json at all`,
        `{"ts":"","machine":"wks-001","category":"host","subtype":"heartbeat","level":"info","payload":{}}`,
        `{"ts":"2026-08-28T10:00:00Z","machine":"wks-001","category":"","subtype":"x","level":"info","payload":{}}`,
        snapshotLine("2026-08-28T10:00:00Z", 10),
    }, "\n")

    summary, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(body))
    require.NoError(t, err)
    require.Equal(t, 1, summary.Accepted)
    require.Equal(t, 3, summary.Skipped)
    require.Len(t, summary.Errors, 3)

    count, err := store.CountMessages(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, 1, count)
}

func TestProcessBatchRejectsEmptyBody(t *testing.T) {
    gw, _ := newTestGateway(t)

    _, err := gw.ProcessBatch(context.Background(), "wks-001", strings.NewReader("\n  \n"))
    require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestProcessBatchRejectsMismatchedMachine(t *testing.T) {
    gw, _ := newTestGateway(t)

    line := `{"ts":"2026-08-28T10:00:00Z","machine":"someone-else","category":"host","subtype":"heartbeat","level":"info","payload":{}}`
    summary, err := gw.ProcessBatch(context.Background(), "wks-001", strings.NewReader(line))
    require.NoError(t, err)
    require.Equal(t, 0, summary.Accepted)
    require.Equal(t, 1, summary.Skipped)
}

func TestOutOfOrderSnapshotsKeepNewestState(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()

    // Newer snapshot delivered first.
    _, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(snapshotLine("2026-08-28T11:00:00Z", 70)))
    require.NoError(t, err)

    // The late older snapshot is accepted as a message but must not
    // displace the authoritative state.
    summary, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(snapshotLine("2026-08-28T10:00:00Z", 20)))
    require.NoError(t, err)
    require.Equal(t, 1, summary.Accepted)

    state, err := store.GetLatestState(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, 70.0, *state.Snapshot.CPUPct)

    count, err := store.CountMessages(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, 2, count)
}

func TestSnapshotRedeliveryIsIdempotent(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()
    line := snapshotLine("2026-08-28T10:00:00Z", 33)

    for i := 0; i < 2; i++ {
        summary, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(line))
        require.NoError(t, err)
        require.Equal(t, 1, summary.Accepted)
    }

    state, err := store.GetLatestState(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, 33.0, *state.Snapshot.CPUPct)
}

func TestSnapshotScreenshotIsSplitOff(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()

    img := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
    line := fmt.Sprintf(`{"ts":"2026-08-28T10:00:00Z","machine":"wks-001","category":"host","subtype":"snapshot","level":"info","payload":{"cpuPct":5,"screenshotB64":%q}}`, img)

    summary, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(line))
    require.NoError(t, err)
    require.Equal(t, 1, summary.Accepted)

    state, err := store.GetLatestState(ctx, "wks-001")
    require.NoError(t, err)
    require.NotEmpty(t, state.ScreenshotID)

    shot, err := store.GetScreenshot(ctx, state.ScreenshotID)
    require.NoError(t, err)
    require.Equal(t, []byte("fake-png-bytes"), shot.Data)

    // The stored message payload carries the normalized snapshot without
    // the inline image.
    msgs, err := store.GetMessages(ctx, database.MessageFilters{AgentID: "wks-001"})
    require.NoError(t, err)
    require.Len(t, msgs, 1)
    require.NotContains(t, string(msgs[0].Payload), "screenshotB64")
}

func TestSnapshotBreachOpensAlert(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()

    // Default cpu rule opens at 90%.
    _, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(snapshotLine("2026-08-28T10:00:00Z", 97)))
    require.NoError(t, err)

    open := true
    alerts, err := store.GetAlerts(ctx, database.AlertFilters{AgentID: "wks-001", Rule: "cpu", Open: &open})
    require.NoError(t, err)
    require.Len(t, alerts, 1)
}

func TestNestedSnapshotSectionsAreHoisted(t *testing.T) {
    gw, store := newTestGateway(t)
    ctx := context.Background()

    line := `{"ts":"2026-08-28T10:00:00Z","machine":"wks-001","category":"host","subtype":"snapshot","level":"info","payload":{"performance":{"cpuPct":61,"ram":{"usedMB":900,"totalMB":16000}},"storage":{"disk":{"maxUsedPct":71}}}}`
    _, err := gw.ProcessBatch(ctx, "wks-001", strings.NewReader(line))
    require.NoError(t, err)

    state, err := store.GetLatestState(ctx, "wks-001")
    require.NoError(t, err)
    require.Equal(t, 61.0, *state.Snapshot.CPUPct)
    require.Equal(t, 900.0, *state.Snapshot.RAM.UsedMB)
    require.Equal(t, 71.0, *state.Snapshot.Disk.MaxUsedPct)
}
