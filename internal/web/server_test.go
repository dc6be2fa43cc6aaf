// internal/web/server_test.go
package web

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "mime/multipart"
    "net/http"
    "net/http/httptest"
    "path/filepath"
    "strings"
    "testing"

    "github.com/stretchr/testify/require"

    "fleetd/internal/alerting"
    "fleetd/internal/auth"
    "fleetd/internal/config"
    "fleetd/internal/database"
    "fleetd/internal/dispatch"
    "fleetd/internal/ingest"
    "fleetd/internal/metrics"
)

const (
    testReadToken  = "read-token"
    testWriteToken = "write-token"
)

type testEnv struct {
    server *Server
    store  database.Store
    rawKey string
}

func newTestEnv(t *testing.T) *testEnv {
    t.Helper()

    store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
    require.NoError(t, err)
    t.Cleanup(func() { store.Close() })

    settings, err := database.NewSettingsCache(context.Background(), store)
    require.NoError(t, err)

    cfg := config.Default()
    cfg.Operator.ReadToken = testReadToken
    cfg.Operator.WriteToken = testWriteToken
    cfg.Uploads.Dir = t.TempDir()

    collector := metrics.NewCollector(store)
    gate := auth.NewGate(store)
    alerts := alerting.NewEngine(store, collector)
    gateway := ingest.NewGateway(store, alerts, settings, collector)
    dispatcher, err := dispatch.NewDispatcher(store, settings, collector, cfg.Uploads.Dir)
    require.NoError(t, err)

    raw, salt, err := auth.GenerateKey()
    require.NoError(t, err)
    require.NoError(t, store.CreateApiKey(context.Background(), &database.ApiKey{
        Name:    "test",
        KeyHash: auth.HashKey(salt, raw),
        Salt:    salt,
        Active:  true,
    }))

    return &testEnv{
        server: NewServer(cfg, store, gate, gateway, dispatcher, settings, collector),
        store:  store,
        rawKey: raw,
    }
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, headers map[string]string) *httptest.ResponseRecorder {
    t.Helper()
    if body == nil {
        body = &bytes.Buffer{}
    }
    req := httptest.NewRequest(method, path, body)
    for k, v := range headers {
        req.Header.Set(k, v)
    }
    w := httptest.NewRecorder()
    e.server.Router().ServeHTTP(w, req)
    return w
}

func (e *testEnv) agentHeaders(agentID string) map[string]string {
    return map[string]string{
        "X-API-Key":  e.rawKey,
        "X-Agent-ID": agentID,
    }
}

func operatorHeaders(token string) map[string]string {
    return map[string]string{"X-Operator-Token": token, "Content-Type": "application/json"}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
    t.Helper()
    require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func ingestSnapshot(t *testing.T, env *testEnv, agentID string, cpuPct float64) {
    t.Helper()
    line := fmt.Sprintf(`{"ts":"2026-08-28T10:00:00Z","machine":%q,"category":"host","subtype":"snapshot","level":"info","payload":{"cpuPct":%g}}`, agentID, cpuPct)
    w := env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString(line), env.agentHeaders(agentID))
    require.Equal(t, http.StatusOK, w.Code)
}

func TestIngestRequiresCredentials(t *testing.T) {
    env := newTestEnv(t)

    w := env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString("{}"), nil)
    require.Equal(t, http.StatusUnauthorized, w.Code)

    w = env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString("{}"), map[string]string{
        "X-API-Key":  "wrong-key",
        "X-Agent-ID": "wks-001",
    })
    require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestBatchRoundTrip(t *testing.T) {
    env := newTestEnv(t)

    body := strings.Join([]string{
        `{"ts":"2026-08-28T10:00:00Z","machine":"wks-001","category":"host","subtype":"snapshot","level":"info","payload":{"cpuPct":50}}`,
        `this line is garbage`,
    }, "\n")
    w := env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString(body), env.agentHeaders("wks-001"))
    require.Equal(t, http.StatusOK, w.Code)

    var summary ingest.BatchSummary
    decodeJSON(t, w, &summary)
    require.Equal(t, 1, summary.Accepted)
    require.Equal(t, 1, summary.Skipped)

    // Host shows up for the operator.
    w = env.do(t, http.MethodGet, "/api/hosts", nil, operatorHeaders(testReadToken))
    require.Equal(t, http.StatusOK, w.Code)
    var hosts []database.Host
    decodeJSON(t, w, &hosts)
    require.Len(t, hosts, 1)
    require.Equal(t, "wks-001", hosts[0].AgentID)

    w = env.do(t, http.MethodGet, "/api/hosts/wks-001/state", nil, operatorHeaders(testReadToken))
    require.Equal(t, http.StatusOK, w.Code)
    var state database.LatestState
    decodeJSON(t, w, &state)
    require.Equal(t, 50.0, *state.Snapshot.CPUPct)
}

func TestOperatorTokenCapabilities(t *testing.T) {
    env := newTestEnv(t)
    ingestSnapshot(t, env, "wks-001", 10)

    // No token and wrong token are rejected.
    require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/hosts", nil, nil).Code)
    require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/hosts", nil, operatorHeaders("nope")).Code)

    // Write token may read.
    require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/hosts", nil, operatorHeaders(testWriteToken)).Code)

    // Read token may not write.
    body := bytes.NewBufferString(`{"agent_id":"wks-001","command":"hostname"}`)
    require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/commands", body, operatorHeaders(testReadToken)).Code)
}

func TestCommandDispatchScenario(t *testing.T) {
    env := newTestEnv(t)
    ingestSnapshot(t, env, "wks-001", 10)

    // Operator enqueues C1.
    w := env.do(t, http.MethodPost, "/api/commands",
        bytes.NewBufferString(`{"agent_id":"wks-001","command":"Get-Service","issued_by":"ops@example.com"}`),
        operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusCreated, w.Code)
    var cmd database.RemoteCommand
    decodeJSON(t, w, &cmd)
    require.Equal(t, database.ActionPending, cmd.Status)

    // Agent polls and receives it.
    w = env.do(t, http.MethodGet, "/ingest/commands", nil, env.agentHeaders("wks-001"))
    require.Equal(t, http.StatusOK, w.Code)
    var poll struct {
        Tasks []dispatch.AgentCommand `json:"tasks"`
    }
    decodeJSON(t, w, &poll)
    require.Len(t, poll.Tasks, 1)
    require.Equal(t, cmd.ID, poll.Tasks[0].ID)
    require.Equal(t, "Get-Service", poll.Tasks[0].Script)
    require.NotEmpty(t, poll.Tasks[0].ScriptB64)

    // Agent reports success.
    w = env.do(t, http.MethodPost, "/ingest/commands/"+cmd.ID+"/result",
        bytes.NewBufferString(`{"status":"ok","output":"done"}`), env.agentHeaders("wks-001"))
    require.Equal(t, http.StatusOK, w.Code)

    // A second poll never returns it again.
    w = env.do(t, http.MethodGet, "/ingest/commands", nil, env.agentHeaders("wks-001"))
    decodeJSON(t, w, &poll)
    require.Empty(t, poll.Tasks)

    w = env.do(t, http.MethodGet, "/api/commands/"+cmd.ID, nil, operatorHeaders(testReadToken))
    require.Equal(t, http.StatusOK, w.Code)
    decodeJSON(t, w, &cmd)
    require.Equal(t, database.ActionCompleted, cmd.Status)
    require.Equal(t, "done", cmd.Result)
}

func TestCommandResultAcceptsLegacyResponseField(t *testing.T) {
    env := newTestEnv(t)
    ingestSnapshot(t, env, "wks-001", 10)

    w := env.do(t, http.MethodPost, "/api/commands",
        bytes.NewBufferString(`{"agent_id":"wks-001","command":"hostname"}`), operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusCreated, w.Code)
    var cmd database.RemoteCommand
    decodeJSON(t, w, &cmd)

    env.do(t, http.MethodGet, "/ingest/commands", nil, env.agentHeaders("wks-001"))

    // Older agents report the outcome under "response".
    w = env.do(t, http.MethodPost, "/ingest/commands/"+cmd.ID+"/result",
        bytes.NewBufferString(`{"status":"ok","response":"legacy-output"}`), env.agentHeaders("wks-001"))
    require.Equal(t, http.StatusOK, w.Code)

    got, err := env.store.GetCommand(context.Background(), cmd.ID)
    require.NoError(t, err)
    require.Equal(t, database.ActionCompleted, got.Status)
    require.Equal(t, "legacy-output", got.Result)
}

func TestCancelDispatchedCommandConflicts(t *testing.T) {
    env := newTestEnv(t)
    ingestSnapshot(t, env, "wks-001", 10)

    w := env.do(t, http.MethodPost, "/api/commands",
        bytes.NewBufferString(`{"agent_id":"wks-001","command":"hostname"}`), operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusCreated, w.Code)
    var cmd database.RemoteCommand
    decodeJSON(t, w, &cmd)

    // Agent claims it before the operator cancels.
    env.do(t, http.MethodGet, "/ingest/commands", nil, env.agentHeaders("wks-001"))

    w = env.do(t, http.MethodPost, "/api/commands/"+cmd.ID+"/cancel",
        bytes.NewBufferString(`{"note":"changed my mind"}`), operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusConflict, w.Code)
}

func TestFileTransferRoundTrip(t *testing.T) {
    env := newTestEnv(t)
    ingestSnapshot(t, env, "wks-001", 10)

    var buf bytes.Buffer
    mw := multipart.NewWriter(&buf)
    require.NoError(t, mw.WriteField("agent_id", "wks-001"))
    fw, err := mw.CreateFormFile("file", "installer.msi")
    require.NoError(t, err)
    _, err = fw.Write([]byte("payload-bytes"))
    require.NoError(t, err)
    require.NoError(t, mw.Close())

    w := env.do(t, http.MethodPost, "/api/transfers", &buf, map[string]string{
        "X-Operator-Token": testWriteToken,
        "Content-Type":     mw.FormDataContentType(),
    })
    require.Equal(t, http.StatusCreated, w.Code)
    var xfer database.FileTransfer
    decodeJSON(t, w, &xfer)
    require.Equal(t, database.ActionPending, xfer.Status)

    // Agent lists pending files.
    w = env.do(t, http.MethodGet, "/ingest/files", nil, env.agentHeaders("wks-001"))
    require.Equal(t, http.StatusOK, w.Code)
    var files []dispatch.AgentFile
    decodeJSON(t, w, &files)
    require.Len(t, files, 1)
    require.Equal(t, "installer.msi", files[0].Filename)

    // Download delivers the payload and terminates the transfer.
    w = env.do(t, http.MethodGet, "/ingest/files/"+xfer.ID+"/download", nil, env.agentHeaders("wks-001"))
    require.Equal(t, http.StatusOK, w.Code)
    require.Equal(t, "payload-bytes", w.Body.String())

    got, err := env.store.GetTransfer(context.Background(), xfer.ID)
    require.NoError(t, err)
    require.Equal(t, database.ActionDownloaded, got.Status)

    w = env.do(t, http.MethodGet, "/ingest/files", nil, env.agentHeaders("wks-001"))
    decodeJSON(t, w, &files)
    require.Empty(t, files)
}

func TestUpdateSettingsRejectsPartialSnapshot(t *testing.T) {
    env := newTestEnv(t)

    // A partial body would zero the command TTL, leaving every new
    // command born expired.
    w := env.do(t, http.MethodPut, "/api/settings",
        bytes.NewBufferString(`{"retention_days_messages":30}`), operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusBadRequest, w.Code)

    current := env.server.settings.Current()
    require.Equal(t, database.DefaultSettings().CommandTTL, current.CommandTTL)
}

func TestAlertsEndpointAndResolve(t *testing.T) {
    env := newTestEnv(t)
    // CPU above the default 90% threshold opens an alert on ingest.
    ingestSnapshot(t, env, "wks-001", 99)

    w := env.do(t, http.MethodGet, "/api/alerts?open=true", nil, operatorHeaders(testReadToken))
    require.Equal(t, http.StatusOK, w.Code)
    var alerts []database.Alert
    decodeJSON(t, w, &alerts)
    require.Len(t, alerts, 1)
    require.Equal(t, "cpu", alerts[0].Rule)

    w = env.do(t, http.MethodPost, "/api/alerts/"+alerts[0].ID+"/resolve", nil, operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusOK, w.Code)

    // Acknowledging twice conflicts.
    w = env.do(t, http.MethodPost, "/api/alerts/"+alerts[0].ID+"/resolve", nil, operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusConflict, w.Code)
}

func TestApiKeyManagement(t *testing.T) {
    env := newTestEnv(t)

    w := env.do(t, http.MethodPost, "/api/keys",
        bytes.NewBufferString(`{"name":"branch office","agent_ids":["wks-007"]}`), operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusCreated, w.Code)

    var created struct {
        Key    struct{ ID string } `json:"key"`
        RawKey string              `json:"raw_key"`
    }
    decodeJSON(t, w, &created)
    require.NotEmpty(t, created.RawKey)

    // The minted key authenticates its bound agent.
    line := `{"ts":"2026-08-28T10:00:00Z","machine":"wks-007","category":"host","subtype":"heartbeat","level":"info","payload":{}}`
    w = env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString(line), map[string]string{
        "X-API-Key":  created.RawKey,
        "X-Agent-ID": "wks-007",
    })
    require.Equal(t, http.StatusOK, w.Code)

    // And is refused for any other agent.
    w = env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString(line), map[string]string{
        "X-API-Key":  created.RawKey,
        "X-Agent-ID": "wks-999",
    })
    require.Equal(t, http.StatusUnauthorized, w.Code)

    // Revocation takes effect immediately.
    w = env.do(t, http.MethodPut, "/api/keys/"+created.Key.ID,
        bytes.NewBufferString(`{"active":false}`), operatorHeaders(testWriteToken))
    require.Equal(t, http.StatusOK, w.Code)

    w = env.do(t, http.MethodPost, "/ingest", bytes.NewBufferString(line), map[string]string{
        "X-API-Key":  created.RawKey,
        "X-Agent-ID": "wks-007",
    })
    require.Equal(t, http.StatusUnauthorized, w.Code)

    // Listing never leaks hashes or salts.
    w = env.do(t, http.MethodGet, "/api/keys", nil, operatorHeaders(testReadToken))
    require.Equal(t, http.StatusOK, w.Code)
    require.NotContains(t, w.Body.String(), "key_hash")
    require.NotContains(t, w.Body.String(), "salt")
}

func TestIngestHealthProbe(t *testing.T) {
    env := newTestEnv(t)

    w := env.do(t, http.MethodGet, "/ingest/health", nil, nil)
    require.Equal(t, http.StatusOK, w.Code)
    require.Contains(t, w.Body.String(), "lastPostUtc")

    ingestSnapshot(t, env, "wks-001", 10)
    w = env.do(t, http.MethodGet, "/ingest/health", nil, nil)
    require.Contains(t, w.Body.String(), "2026-08-28T10:00:00Z")
}
