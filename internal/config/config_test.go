// internal/config/config_test.go
package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
    t.Helper()
    path := filepath.Join(t.TempDir(), "config.yaml")
    require.NoError(t, os.WriteFile(path, []byte(content), 0644))
    return path
}

func TestLoadAppliesDefaults(t *testing.T) {
    cfg, err := Load(writeConfig(t, `
operator:
  write_token: secret
`))
    require.NoError(t, err)

    require.Equal(t, ":8080", cfg.Server.Port)
    require.Equal(t, time.Hour, cfg.Database.SweepInterval)
    require.Equal(t, "info", cfg.Logging.Level)
    require.Equal(t, "/metrics", cfg.Prometheus.MetricsPath)
    // Single-token deployments reuse the write token for reads.
    require.Equal(t, "secret", cfg.Operator.ReadToken)
}

func TestLoadOverrides(t *testing.T) {
    cfg, err := Load(writeConfig(t, `
server:
  port: ":9000"
  max_batch_mb: 4
database:
  path: /var/lib/fleetd/fleet.db
  sweep_interval: 30m
operator:
  read_token: viewer
  write_token: admin
logging:
  level: debug
  format: json
`))
    require.NoError(t, err)

    require.Equal(t, ":9000", cfg.Server.Port)
    require.Equal(t, 4, cfg.Server.MaxBatchMB)
    require.Equal(t, 30*time.Minute, cfg.Database.SweepInterval)
    require.Equal(t, "viewer", cfg.Operator.ReadToken)
    require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsInvalid(t *testing.T) {
    cases := map[string]string{
        "missing write token": `
server:
  port: ":8080"
`,
        "bad port": `
operator:
  write_token: secret
server:
  port: "8080"
`,
        "bad level": `
operator:
  write_token: secret
logging:
  level: noisy
`,
        "sweep too frequent": `
operator:
  write_token: secret
database:
  sweep_interval: 10s
`,
    }

    for name, content := range cases {
        _, err := Load(writeConfig(t, content))
        require.Error(t, err, name)
    }
}
