// internal/dispatch/dispatcher.go - Remote command and file transfer orchestration
package dispatch

import (
    "context"
    "encoding/base64"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"

    "fleetd/internal/database"
    "fleetd/internal/metrics"
)

// Dispatcher runs the queue-and-poll protocol for remote actions. Agents
// cannot be pushed to; everything flows through cheap stateless polls.
type Dispatcher struct {
    store      database.Store
    settings   *database.SettingsCache
    collector  *metrics.Collector
    uploadsDir string
}

func NewDispatcher(store database.Store, settings *database.SettingsCache, collector *metrics.Collector, uploadsDir string) (*Dispatcher, error) {
    if err := os.MkdirAll(uploadsDir, 0755); err != nil {
        return nil, fmt.Errorf("failed to create uploads directory: %w", err)
    }
    return &Dispatcher{
        store:      store,
        settings:   settings,
        collector:  collector,
        uploadsDir: uploadsDir,
    }, nil
}

// AgentCommand is the poll payload for one dispatched command. The script
// ships both plain and base64-encoded so agents avoid shell quoting issues.
type AgentCommand struct {
    ID        string            `json:"id"`
    Name      string            `json:"name"`
    Script    string            `json:"script"`
    ScriptB64 string            `json:"script_b64"`
    Args      map[string]string `json:"args,omitempty"`
}

// AgentFile is the poll payload for one pending file transfer.
type AgentFile struct {
    ID       string `json:"id"`
    Filename string `json:"filename"`
    Size     int64  `json:"size"`
}

// EnqueueCommand records an operator-issued command in Pending state. The
// expiry deadline comes from the module's command TTL.
func (d *Dispatcher) EnqueueCommand(ctx context.Context, agentID, issuedBy, command string) (*database.RemoteCommand, error) {
    if strings.TrimSpace(command) == "" {
        return nil, fmt.Errorf("command must not be empty")
    }
    if _, err := d.store.GetHost(ctx, agentID); err != nil {
        return nil, err
    }

    expires := time.Now().UTC().Add(d.settings.Current().CommandTTL)
    cmd := &database.RemoteCommand{
        AgentID:   agentID,
        IssuedBy:  issuedBy,
        Command:   command,
        ExpiresAt: &expires,
    }
    if err := d.store.EnqueueCommand(ctx, cmd); err != nil {
        return nil, err
    }

    logrus.WithFields(logrus.Fields{
        "command_id": cmd.ID,
        "agent_id":   agentID,
        "issued_by":  issuedBy,
    }).Info("Command enqueued")
    return cmd, nil
}

// PollCommands hands every due command for the agent over, moving each to
// Dispatched. A command already Dispatched but unacknowledged past the
// reoffer timeout is offered again, so delivery is at-least-once and the
// agent de-duplicates by command id.
func (d *Dispatcher) PollCommands(ctx context.Context, agentID string) ([]AgentCommand, error) {
    reoffer := d.settings.Current().ReofferTimeout
    cmds, err := d.store.ClaimDueCommands(ctx, agentID, reoffer, time.Now().UTC())
    if err != nil {
        return nil, err
    }

    payload := make([]AgentCommand, 0, len(cmds))
    for _, cmd := range cmds {
        entry := AgentCommand{
            ID:        cmd.ID,
            Name:      "run_ps_script",
            Script:    cmd.Command,
            ScriptB64: base64.StdEncoding.EncodeToString([]byte(cmd.Command)),
        }
        if cmd.IssuedBy != "" {
            entry.Args = map[string]string{"requestedBy": cmd.IssuedBy}
        }
        payload = append(payload, entry)
    }

    if len(payload) > 0 {
        d.collector.RecordDispatch("command", len(payload))
    }
    return payload, nil
}

// SubmitCommandResult records the agent-reported outcome. Duplicate or
// late results are accepted and ignored; the first result wins.
func (d *Dispatcher) SubmitCommandResult(ctx context.Context, id, agentID, status, result string) error {
    normalized := normalizeResultStatus(status)
    applied, err := d.store.SubmitCommandResult(ctx, id, agentID, normalized, result, time.Now().UTC())
    if err != nil {
        return err
    }
    if applied {
        d.collector.RecordResult("command", normalized)
        logrus.WithFields(logrus.Fields{
            "command_id": id,
            "agent_id":   agentID,
            "status":     normalized,
        }).Info("Command result recorded")
    }
    return nil
}

// CancelCommand withdraws a Pending command. Anything past Pending is a
// conflict surfaced to the operator.
func (d *Dispatcher) CancelCommand(ctx context.Context, id, agentID, note string) error {
    if err := d.store.CancelCommand(ctx, id, agentID, note); err != nil {
        return err
    }
    d.collector.RecordResult("command", database.ActionCanceled)
    return nil
}

// StageTransfer copies the uploaded payload into the staging directory and
// enqueues the transfer in Pending state.
func (d *Dispatcher) StageTransfer(ctx context.Context, agentID, issuedBy, filename, mimeType string, src io.Reader) (*database.FileTransfer, error) {
    if _, err := d.store.GetHost(ctx, agentID); err != nil {
        return nil, err
    }
    filename = filepath.Base(filename)
    if filename == "" || filename == "." {
        return nil, fmt.Errorf("filename must not be empty")
    }

    storedPath := filepath.Join(d.uploadsDir, uuid.New().String())
    dst, err := os.Create(storedPath)
    if err != nil {
        return nil, fmt.Errorf("failed to stage file: %w", err)
    }
    size, err := io.Copy(dst, src)
    if closeErr := dst.Close(); err == nil {
        err = closeErr
    }
    if err != nil {
        os.Remove(storedPath)
        return nil, fmt.Errorf("failed to stage file: %w", err)
    }

    expires := time.Now().UTC().Add(d.settings.Current().CommandTTL)
    xfer := &database.FileTransfer{
        AgentID:    agentID,
        IssuedBy:   issuedBy,
        Filename:   filename,
        StoredPath: storedPath,
        MimeType:   mimeType,
        SizeBytes:  size,
        ExpiresAt:  &expires,
    }
    if err := d.store.EnqueueTransfer(ctx, xfer); err != nil {
        os.Remove(storedPath)
        return nil, err
    }

    logrus.WithFields(logrus.Fields{
        "transfer_id": xfer.ID,
        "agent_id":    agentID,
        "filename":    filename,
        "size_bytes":  size,
    }).Info("File transfer staged")
    return xfer, nil
}

// PollTransfers lists due transfers for the agent, moving each to
// Dispatched under the same at-least-once rules as commands.
func (d *Dispatcher) PollTransfers(ctx context.Context, agentID string) ([]AgentFile, error) {
    reoffer := d.settings.Current().ReofferTimeout
    xfers, err := d.store.ClaimDueTransfers(ctx, agentID, reoffer, time.Now().UTC())
    if err != nil {
        return nil, err
    }

    payload := make([]AgentFile, 0, len(xfers))
    for _, xfer := range xfers {
        payload = append(payload, AgentFile{
            ID:       xfer.ID,
            Filename: xfer.Filename,
            Size:     xfer.SizeBytes,
        })
    }
    if len(payload) > 0 {
        d.collector.RecordDispatch("transfer", len(payload))
    }
    return payload, nil
}

// transferStream marks the transfer Downloaded once the payload has been
// read through to EOF. A stream abandoned mid-read leaves the transfer
// Dispatched, so a later poll re-offers the file.
type transferStream struct {
    f         *os.File
    committed bool
    commit    func()
}

func (t *transferStream) Read(p []byte) (int, error) {
    n, err := t.f.Read(p)
    if err == io.EOF && !t.committed {
        t.committed = true
        t.commit()
    }
    return n, err
}

func (t *transferStream) Close() error {
    return t.f.Close()
}

// OpenTransfer returns the staged payload for download. The transfer
// transitions to Downloaded only when the returned stream is consumed to
// EOF. The caller owns closing the stream.
func (d *Dispatcher) OpenTransfer(ctx context.Context, id, agentID string) (*database.FileTransfer, io.ReadCloser, error) {
    xfer, err := d.store.GetTransfer(ctx, id)
    if err != nil {
        return nil, nil, err
    }
    if xfer.AgentID != agentID {
        return nil, nil, fmt.Errorf("transfer %s does not belong to agent: %w", id, database.ErrNotFound)
    }

    f, err := os.Open(xfer.StoredPath)
    if err != nil {
        if os.IsNotExist(err) {
            return nil, nil, fmt.Errorf("transfer payload missing: %w", database.ErrNotFound)
        }
        return nil, nil, fmt.Errorf("failed to open staged file: %w", err)
    }

    stream := &transferStream{f: f, commit: func() {
        applied, err := d.store.MarkTransferDownloaded(ctx, id, agentID, time.Now().UTC())
        if err != nil {
            logrus.WithError(err).WithField("transfer_id", id).Warn("Failed to record transfer download")
            return
        }
        if applied {
            d.collector.RecordResult("transfer", database.ActionDownloaded)
        }
    }}
    return xfer, stream, nil
}

// SubmitTransferResult records an agent-reported transfer failure.
func (d *Dispatcher) SubmitTransferResult(ctx context.Context, id, agentID, status, result string) error {
    normalized := normalizeResultStatus(status)
    applied, err := d.store.SubmitTransferResult(ctx, id, agentID, normalized, result, time.Now().UTC())
    if err != nil {
        return err
    }
    if applied {
        d.collector.RecordResult("transfer", normalized)
    }
    return nil
}

// CancelTransfer withdraws a Pending transfer and removes its staged
// payload.
func (d *Dispatcher) CancelTransfer(ctx context.Context, id, agentID, note string) error {
    xfer, err := d.store.GetTransfer(ctx, id)
    if err != nil {
        return err
    }
    if err := d.store.CancelTransfer(ctx, id, agentID, note); err != nil {
        return err
    }
    if err := os.Remove(xfer.StoredPath); err != nil && !os.IsNotExist(err) {
        logrus.WithError(err).WithField("transfer_id", id).Warn("Failed to remove staged file")
    }
    d.collector.RecordResult("transfer", database.ActionCanceled)
    return nil
}

// normalizeResultStatus maps the loose statuses agents report onto the
// canonical terminal states.
func normalizeResultStatus(status string) string {
    switch strings.ToLower(strings.TrimSpace(status)) {
    case "", "ok", "success", "completed", "complete":
        return database.ActionCompleted
    case "failed", "error", "failure":
        return database.ActionFailed
    default:
        return database.ActionFailed
    }
}
