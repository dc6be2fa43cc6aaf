// internal/database/boltstore_queue.go - Remote command and file transfer queues
package database

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "time"

    "github.com/google/uuid"
    "go.etcd.io/bbolt"
)

func (s *BoltStore) EnqueueCommand(ctx context.Context, cmd *RemoteCommand) error {
    if cmd.ID == "" {
        cmd.ID = uuid.New().String()
    }
    if cmd.CreatedAt.IsZero() {
        cmd.CreatedAt = time.Now().UTC()
    }
    cmd.Status = ActionPending

    return s.db.Update(func(tx *bbolt.Tx) error {
        data, err := json.Marshal(cmd)
        if err != nil {
            return fmt.Errorf("failed to marshal command: %w", err)
        }
        return tx.Bucket(CommandsBucket).Put([]byte(cmd.ID), data)
    })
}

func (s *BoltStore) GetCommand(ctx context.Context, id string) (*RemoteCommand, error) {
    var cmd RemoteCommand

    err := s.db.View(func(tx *bbolt.Tx) error {
        v := tx.Bucket(CommandsBucket).Get([]byte(id))
        if v == nil {
            return fmt.Errorf("command %s: %w", id, ErrNotFound)
        }
        return json.Unmarshal(v, &cmd)
    })

    if err != nil {
        return nil, err
    }
    return &cmd, nil
}

func (s *BoltStore) GetCommands(ctx context.Context, filters ActionFilters) ([]RemoteCommand, error) {
    var cmds []RemoteCommand

    err := s.db.View(func(tx *bbolt.Tx) error {
        return tx.Bucket(CommandsBucket).ForEach(func(k, v []byte) error {
            var cmd RemoteCommand
            if err := json.Unmarshal(v, &cmd); err != nil {
                return nil
            }
            if filters.AgentID != "" && cmd.AgentID != filters.AgentID {
                return nil
            }
            if filters.Status != "" && cmd.Status != filters.Status {
                return nil
            }
            cmds = append(cmds, cmd)
            return nil
        })
    })
    if err != nil {
        return nil, err
    }

    sort.Slice(cmds, func(i, j int) bool {
        return cmds[i].CreatedAt.After(cmds[j].CreatedAt)
    })
    if filters.Limit > 0 && len(cmds) > filters.Limit {
        cmds = cmds[:filters.Limit]
    }
    return cmds, nil
}

// ClaimDueCommands returns every command currently owed to the agent:
// pending ones, plus dispatched ones whose result never arrived within the
// re-offer window (at-least-once delivery, lost responses are tolerated by
// handing the command out again). Each returned command is stamped
// dispatched inside the same transaction that selected it.
func (s *BoltStore) ClaimDueCommands(ctx context.Context, agentID string, reoffer time.Duration, now time.Time) ([]RemoteCommand, error) {
    var due []RemoteCommand
    now = now.UTC()

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(CommandsBucket)

        var claimed []RemoteCommand
        err := b.ForEach(func(k, v []byte) error {
            var cmd RemoteCommand
            if err := json.Unmarshal(v, &cmd); err != nil {
                return nil
            }
            if cmd.AgentID != agentID {
                return nil
            }
            if cmd.ExpiresAt != nil && now.After(*cmd.ExpiresAt) {
                return nil // Sweeper will expire it; never hand it out
            }
            switch cmd.Status {
            case ActionPending:
            case ActionDispatched:
                if cmd.DispatchedAt == nil || now.Sub(*cmd.DispatchedAt) < reoffer {
                    return nil
                }
            default:
                return nil
            }
            claimed = append(claimed, cmd)
            return nil
        })
        if err != nil {
            return err
        }

        sort.Slice(claimed, func(i, j int) bool {
            return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
        })

        for i := range claimed {
            claimed[i].Status = ActionDispatched
            ts := now
            claimed[i].DispatchedAt = &ts
            data, err := json.Marshal(&claimed[i])
            if err != nil {
                return fmt.Errorf("failed to marshal command: %w", err)
            }
            if err := b.Put([]byte(claimed[i].ID), data); err != nil {
                return err
            }
        }
        due = claimed
        return nil
    })

    if err != nil {
        return nil, err
    }
    return due, nil
}

// SubmitCommandResult moves a dispatched command to completed or failed. A
// result for a command in any other state is accepted without effect:
// duplicate deliveries must not error and must not overwrite the stored
// result. Returns whether the result was applied.
func (s *BoltStore) SubmitCommandResult(ctx context.Context, id, agentID, status, result string, at time.Time) (bool, error) {
    applied := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(CommandsBucket)
        v := b.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("command %s: %w", id, ErrNotFound)
        }

        var cmd RemoteCommand
        if err := json.Unmarshal(v, &cmd); err != nil {
            return fmt.Errorf("failed to unmarshal command: %w", err)
        }
        if cmd.AgentID != agentID {
            return fmt.Errorf("command %s does not belong to agent %s: %w", id, agentID, ErrNotFound)
        }
        if cmd.Status != ActionDispatched {
            return nil // Idempotent no-op for duplicates and late results
        }

        if status == ActionFailed {
            cmd.Status = ActionFailed
        } else {
            cmd.Status = ActionCompleted
        }
        cmd.Result = result
        ts := at.UTC()
        cmd.ResultAt = &ts

        data, err := json.Marshal(&cmd)
        if err != nil {
            return fmt.Errorf("failed to marshal command: %w", err)
        }
        if err := b.Put([]byte(id), data); err != nil {
            return err
        }
        applied = true
        return nil
    })

    return applied, err
}

// CancelCommand succeeds only while the command is still pending. Racing
// against an agent poll is settled here by the state check, not by any lock
// across the network hop.
func (s *BoltStore) CancelCommand(ctx context.Context, id, agentID, note string) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(CommandsBucket)
        v := b.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("command %s: %w", id, ErrNotFound)
        }

        var cmd RemoteCommand
        if err := json.Unmarshal(v, &cmd); err != nil {
            return fmt.Errorf("failed to unmarshal command: %w", err)
        }
        if agentID != "" && cmd.AgentID != agentID {
            return fmt.Errorf("command %s: %w", id, ErrNotFound)
        }
        if cmd.Status != ActionPending {
            return fmt.Errorf("command %s is %s: %w", id, cmd.Status, ErrConflict)
        }

        cmd.Status = ActionCanceled
        cmd.Result = note
        ts := time.Now().UTC()
        cmd.ResultAt = &ts

        data, err := json.Marshal(&cmd)
        if err != nil {
            return fmt.Errorf("failed to marshal command: %w", err)
        }
        return b.Put([]byte(id), data)
    })
}

func (s *BoltStore) EnqueueTransfer(ctx context.Context, xfer *FileTransfer) error {
    if xfer.ID == "" {
        xfer.ID = uuid.New().String()
    }
    if xfer.CreatedAt.IsZero() {
        xfer.CreatedAt = time.Now().UTC()
    }
    xfer.Status = ActionPending

    return s.db.Update(func(tx *bbolt.Tx) error {
        data, err := json.Marshal(xfer)
        if err != nil {
            return fmt.Errorf("failed to marshal transfer: %w", err)
        }
        return tx.Bucket(TransfersBucket).Put([]byte(xfer.ID), data)
    })
}

func (s *BoltStore) GetTransfer(ctx context.Context, id string) (*FileTransfer, error) {
    var xfer FileTransfer

    err := s.db.View(func(tx *bbolt.Tx) error {
        v := tx.Bucket(TransfersBucket).Get([]byte(id))
        if v == nil {
            return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
        }
        return json.Unmarshal(v, &xfer)
    })

    if err != nil {
        return nil, err
    }
    return &xfer, nil
}

func (s *BoltStore) GetTransfers(ctx context.Context, filters ActionFilters) ([]FileTransfer, error) {
    var xfers []FileTransfer

    err := s.db.View(func(tx *bbolt.Tx) error {
        return tx.Bucket(TransfersBucket).ForEach(func(k, v []byte) error {
            var xfer FileTransfer
            if err := json.Unmarshal(v, &xfer); err != nil {
                return nil
            }
            if filters.AgentID != "" && xfer.AgentID != filters.AgentID {
                return nil
            }
            if filters.Status != "" && xfer.Status != filters.Status {
                return nil
            }
            xfers = append(xfers, xfer)
            return nil
        })
    })
    if err != nil {
        return nil, err
    }

    sort.Slice(xfers, func(i, j int) bool {
        return xfers[i].CreatedAt.After(xfers[j].CreatedAt)
    })
    if filters.Limit > 0 && len(xfers) > filters.Limit {
        xfers = xfers[:filters.Limit]
    }
    return xfers, nil
}

// ClaimDueTransfers mirrors ClaimDueCommands for staged files.
func (s *BoltStore) ClaimDueTransfers(ctx context.Context, agentID string, reoffer time.Duration, now time.Time) ([]FileTransfer, error) {
    var due []FileTransfer
    now = now.UTC()

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(TransfersBucket)

        var claimed []FileTransfer
        err := b.ForEach(func(k, v []byte) error {
            var xfer FileTransfer
            if err := json.Unmarshal(v, &xfer); err != nil {
                return nil
            }
            if xfer.AgentID != agentID {
                return nil
            }
            if xfer.ExpiresAt != nil && now.After(*xfer.ExpiresAt) {
                return nil
            }
            switch xfer.Status {
            case ActionPending:
            case ActionDispatched:
                if xfer.DispatchedAt == nil || now.Sub(*xfer.DispatchedAt) < reoffer {
                    return nil
                }
            default:
                return nil
            }
            claimed = append(claimed, xfer)
            return nil
        })
        if err != nil {
            return err
        }

        sort.Slice(claimed, func(i, j int) bool {
            return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
        })

        for i := range claimed {
            claimed[i].Status = ActionDispatched
            ts := now
            claimed[i].DispatchedAt = &ts
            data, err := json.Marshal(&claimed[i])
            if err != nil {
                return fmt.Errorf("failed to marshal transfer: %w", err)
            }
            if err := b.Put([]byte(claimed[i].ID), data); err != nil {
                return err
            }
        }
        due = claimed
        return nil
    })

    if err != nil {
        return nil, err
    }
    return due, nil
}

// MarkTransferDownloaded records a successful payload retrieval. Accepted
// from pending or dispatched (an agent may download straight off a listing
// it obtained earlier); terminal states are left untouched.
func (s *BoltStore) MarkTransferDownloaded(ctx context.Context, id, agentID string, at time.Time) (bool, error) {
    applied := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(TransfersBucket)
        v := b.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
        }

        var xfer FileTransfer
        if err := json.Unmarshal(v, &xfer); err != nil {
            return fmt.Errorf("failed to unmarshal transfer: %w", err)
        }
        if xfer.AgentID != agentID {
            return fmt.Errorf("transfer %s does not belong to agent %s: %w", id, agentID, ErrNotFound)
        }
        if TerminalAction(xfer.Status) {
            return nil
        }

        xfer.Status = ActionDownloaded
        ts := at.UTC()
        xfer.ResultAt = &ts

        data, err := json.Marshal(&xfer)
        if err != nil {
            return fmt.Errorf("failed to marshal transfer: %w", err)
        }
        if err := b.Put([]byte(id), data); err != nil {
            return err
        }
        applied = true
        return nil
    })

    return applied, err
}

// SubmitTransferResult lets an agent report a post-download failure. Same
// idempotency contract as SubmitCommandResult, except a downloaded transfer
// may still move to failed.
func (s *BoltStore) SubmitTransferResult(ctx context.Context, id, agentID, status, result string, at time.Time) (bool, error) {
    applied := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(TransfersBucket)
        v := b.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
        }

        var xfer FileTransfer
        if err := json.Unmarshal(v, &xfer); err != nil {
            return fmt.Errorf("failed to unmarshal transfer: %w", err)
        }
        if xfer.AgentID != agentID {
            return fmt.Errorf("transfer %s does not belong to agent %s: %w", id, agentID, ErrNotFound)
        }
        if xfer.Status != ActionDispatched && xfer.Status != ActionDownloaded {
            return nil
        }
        if status != ActionFailed {
            return nil // Download success is recorded by the download itself
        }

        xfer.Status = ActionFailed
        xfer.Result = result
        ts := at.UTC()
        xfer.ResultAt = &ts

        data, err := json.Marshal(&xfer)
        if err != nil {
            return fmt.Errorf("failed to marshal transfer: %w", err)
        }
        if err := b.Put([]byte(id), data); err != nil {
            return err
        }
        applied = true
        return nil
    })

    return applied, err
}

func (s *BoltStore) CancelTransfer(ctx context.Context, id, agentID, note string) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(TransfersBucket)
        v := b.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
        }

        var xfer FileTransfer
        if err := json.Unmarshal(v, &xfer); err != nil {
            return fmt.Errorf("failed to unmarshal transfer: %w", err)
        }
        if agentID != "" && xfer.AgentID != agentID {
            return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
        }
        if xfer.Status != ActionPending {
            return fmt.Errorf("transfer %s is %s: %w", id, xfer.Status, ErrConflict)
        }

        xfer.Status = ActionCanceled
        xfer.Result = note
        ts := time.Now().UTC()
        xfer.ResultAt = &ts

        data, err := json.Marshal(&xfer)
        if err != nil {
            return fmt.Errorf("failed to marshal transfer: %w", err)
        }
        return b.Put([]byte(id), data)
    })
}
