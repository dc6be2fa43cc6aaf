// internal/database/store.go
package database

import (
    "context"
    "errors"
    "time"
)

// Sentinel errors surfaced by Store implementations. Handlers map these to
// HTTP status codes; everything else is a storage failure.
var (
    ErrNotFound = errors.New("not found")
    ErrConflict = errors.New("conflict")
)

// Store defines the interface for fleet state persistence. All mutating
// operations that read-then-write a row run inside a single update
// transaction, which is what serializes concurrent operations against the
// same host.
type Store interface {
    // Host operations
    GetHosts(ctx context.Context, filters HostFilters) ([]Host, error)
    GetHost(ctx context.Context, agentID string) (*Host, error)
    EnsureHost(ctx context.Context, agentID string, seenAt time.Time) (*Host, bool, error)
    UpdateHost(ctx context.Context, host *Host) error

    // Message operations (append-only)
    AppendMessage(ctx context.Context, msg *Message) error
    GetMessages(ctx context.Context, filters MessageFilters) ([]Message, error)
    CountMessages(ctx context.Context, agentID string) (int, error)

    // Latest state
    GetLatestState(ctx context.Context, agentID string) (*LatestState, error)
    ApplyLatestState(ctx context.Context, state *LatestState) (bool, error)

    // Screenshots
    PutScreenshot(ctx context.Context, shot *Screenshot) error
    GetScreenshot(ctx context.Context, id string) (*Screenshot, error)

    // Alert lifecycle
    GetAlerts(ctx context.Context, filters AlertFilters) ([]Alert, error)
    OpenAlert(ctx context.Context, alert *Alert) (bool, error)
    ResolveOpenAlert(ctx context.Context, agentID, rule string, at time.Time) (bool, error)
    ResolveAlertByID(ctx context.Context, id string, at time.Time) error

    // Remote commands
    EnqueueCommand(ctx context.Context, cmd *RemoteCommand) error
    GetCommand(ctx context.Context, id string) (*RemoteCommand, error)
    GetCommands(ctx context.Context, filters ActionFilters) ([]RemoteCommand, error)
    ClaimDueCommands(ctx context.Context, agentID string, reoffer time.Duration, now time.Time) ([]RemoteCommand, error)
    SubmitCommandResult(ctx context.Context, id, agentID, status, result string, at time.Time) (bool, error)
    CancelCommand(ctx context.Context, id, agentID, note string) error

    // File transfers
    EnqueueTransfer(ctx context.Context, xfer *FileTransfer) error
    GetTransfer(ctx context.Context, id string) (*FileTransfer, error)
    GetTransfers(ctx context.Context, filters ActionFilters) ([]FileTransfer, error)
    ClaimDueTransfers(ctx context.Context, agentID string, reoffer time.Duration, now time.Time) ([]FileTransfer, error)
    MarkTransferDownloaded(ctx context.Context, id, agentID string, at time.Time) (bool, error)
    SubmitTransferResult(ctx context.Context, id, agentID, status, result string, at time.Time) (bool, error)
    CancelTransfer(ctx context.Context, id, agentID, note string) error

    // Retention sweeps
    DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error)
    DeleteScreenshotsBefore(ctx context.Context, cutoff time.Time) (int, error)
    DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int, error)
    ExpireOverdueActions(ctx context.Context, now time.Time) (int, error)

    // API keys
    CreateApiKey(ctx context.Context, key *ApiKey) error
    GetApiKeys(ctx context.Context) ([]ApiKey, error)
    UpdateApiKey(ctx context.Context, key *ApiKey) error
    DeleteApiKey(ctx context.Context, id string) error
    TouchApiKey(ctx context.Context, id string, at time.Time) error

    // Module settings (single row)
    GetSettings(ctx context.Context) (*Settings, error)
    SaveSettings(ctx context.Context, settings *Settings) error

    GetStats(ctx context.Context) (*StoreStats, error)

    // Close the database connection
    Close() error
}
