// internal/metrics/prometheus.go
package metrics

import (
    "context"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"

    "fleetd/internal/database"
)

// Prometheus metrics
var (
    IngestBatchDuration = promauto.NewHistogram(
        prometheus.HistogramOpts{
            Name:    "fleetd_ingest_batch_duration_seconds",
            Help:    "Time spent processing telemetry batches",
            Buckets: prometheus.DefBuckets,
        },
    )

    IngestRecords = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_ingest_records_total",
            Help: "Telemetry records processed, by outcome",
        },
        []string{"outcome"},
    )

    IngestBatches = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_ingest_batches_total",
            Help: "Telemetry batches received, by outcome",
        },
        []string{"outcome"},
    )

    AuthDenials = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_auth_denials_total",
            Help: "Agent authentication denials, by reason",
        },
        []string{"reason"},
    )

    OpenAlerts = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "fleetd_open_alerts",
            Help: "Number of currently open alerts",
        },
    )

    AlertTransitions = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_alert_transitions_total",
            Help: "Alert lifecycle transitions (opened, resolved)",
        },
        []string{"rule", "transition"},
    )

    ActionDispatches = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_action_dispatches_total",
            Help: "Commands and file transfers handed to polling agents",
        },
        []string{"kind"},
    )

    ActionResults = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_action_results_total",
            Help: "Remote action results recorded, by kind and status",
        },
        []string{"kind", "status"},
    )

    SweepDeletions = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_sweep_deletions_total",
            Help: "Rows removed or expired by the retention sweeper",
        },
        []string{"kind"},
    )

    KnownHosts = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "fleetd_known_hosts",
            Help: "Number of registered hosts",
        },
    )

    DatabaseOperations = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fleetd_database_operations_total",
            Help: "Total database operations performed",
        },
        []string{"operation", "status"},
    )

    WebSocketConnections = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "fleetd_websocket_connections_active",
            Help: "Number of active WebSocket connections",
        },
    )
)

type Collector struct {
    store database.Store
}

func NewCollector(store database.Store) *Collector {
    return &Collector{store: store}
}

func (c *Collector) RecordBatch(accepted, skipped int, duration time.Duration) {
    IngestBatchDuration.Observe(duration.Seconds())
    IngestRecords.WithLabelValues("accepted").Add(float64(accepted))
    IngestRecords.WithLabelValues("skipped").Add(float64(skipped))
    IngestBatches.WithLabelValues("success").Inc()
}

func (c *Collector) RecordBatchFailure() {
    IngestBatches.WithLabelValues("error").Inc()
}

func (c *Collector) RecordAuthDenial(reason string) {
    AuthDenials.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordAlertOpened(rule string) {
    AlertTransitions.WithLabelValues(rule, "opened").Inc()
}

func (c *Collector) RecordAlertResolved(rule string) {
    AlertTransitions.WithLabelValues(rule, "resolved").Inc()
}

func (c *Collector) RecordDispatch(kind string, count int) {
    ActionDispatches.WithLabelValues(kind).Add(float64(count))
}

func (c *Collector) RecordResult(kind, status string) {
    ActionResults.WithLabelValues(kind, status).Inc()
}

func (c *Collector) RecordSweep(kind string, count int) {
    SweepDeletions.WithLabelValues(kind).Add(float64(count))
}

func (c *Collector) RecordWebSocketConnection(delta int) {
    WebSocketConnections.Add(float64(delta))
}

// UpdateSystemMetrics refreshes the gauges derived from store contents.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
    stats, err := c.store.GetStats(ctx)
    if err != nil {
        DatabaseOperations.WithLabelValues("get_stats", "error").Inc()
        return err
    }
    DatabaseOperations.WithLabelValues("get_stats", "success").Inc()

    KnownHosts.Set(float64(stats.Hosts))
    OpenAlerts.Set(float64(stats.OpenAlerts))
    return nil
}
