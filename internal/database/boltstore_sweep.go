// internal/database/boltstore_sweep.go - Retention sweep operations
package database

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/sirupsen/logrus"
    "go.etcd.io/bbolt"
)

// DeleteMessagesBefore removes telemetry records whose capture timestamp is
// older than the cutoff. Messages are immutable, so age is the only
// criterion; nothing in flight can reference a message.
func (s *BoltStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error) {
    deletedCount := 0

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(MessagesBucket)
        cursor := b.Cursor()

        var keysToDelete [][]byte
        for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
            var msg Message
            if err := json.Unmarshal(v, &msg); err != nil {
                keysToDelete = append(keysToDelete, copyBytes(k))
                continue
            }
            if msg.CapturedAt.Before(cutoff) {
                keysToDelete = append(keysToDelete, copyBytes(k))
            }
        }

        for _, key := range keysToDelete {
            if err := b.Delete(key); err != nil {
                logrus.WithError(err).Error("Failed to delete message")
                continue
            }
            deletedCount++
        }
        return nil
    })

    if err != nil {
        return 0, fmt.Errorf("failed to delete old messages: %w", err)
    }
    return deletedCount, nil
}

// DeleteScreenshotsBefore removes aged screenshots and clears any
// latest-state reference pointing at them.
func (s *BoltStore) DeleteScreenshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
    deletedCount := 0

    err := s.db.Update(func(tx *bbolt.Tx) error {
        shots := tx.Bucket(ScreenshotsBucket)
        states := tx.Bucket(LatestStateBucket)

        deleted := make(map[string]bool)
        var keysToDelete [][]byte
        cursor := shots.Cursor()
        for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
            var shot Screenshot
            if err := json.Unmarshal(v, &shot); err != nil {
                keysToDelete = append(keysToDelete, copyBytes(k))
                continue
            }
            if shot.CreatedAt.Before(cutoff) {
                keysToDelete = append(keysToDelete, copyBytes(k))
                deleted[shot.ID] = true
            }
        }

        for _, key := range keysToDelete {
            if err := shots.Delete(key); err != nil {
                logrus.WithError(err).Error("Failed to delete screenshot")
                continue
            }
            deletedCount++
        }
        if len(deleted) == 0 {
            return nil
        }

        return states.ForEach(func(k, v []byte) error {
            var state LatestState
            if err := json.Unmarshal(v, &state); err != nil {
                return nil
            }
            if state.ScreenshotID == "" || !deleted[state.ScreenshotID] {
                return nil
            }
            state.ScreenshotID = ""
            data, err := json.Marshal(&state)
            if err != nil {
                return fmt.Errorf("failed to marshal latest state: %w", err)
            }
            return states.Put(copyBytes(k), data)
        })
    })

    if err != nil {
        return 0, fmt.Errorf("failed to delete old screenshots: %w", err)
    }
    return deletedCount, nil
}

// DeleteResolvedAlertsBefore trims resolved alerts past the retention
// window. Open alerts are never touched regardless of age.
func (s *BoltStore) DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int, error) {
    deletedCount := 0

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(AlertsBucket)
        cursor := b.Cursor()

        var keysToDelete [][]byte
        for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
            var alert Alert
            if err := json.Unmarshal(v, &alert); err != nil {
                continue
            }
            if alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
                keysToDelete = append(keysToDelete, copyBytes(k))
            }
        }

        for _, key := range keysToDelete {
            if err := b.Delete(key); err != nil {
                logrus.WithError(err).Error("Failed to delete alert")
                continue
            }
            deletedCount++
        }
        return nil
    })

    if err != nil {
        return 0, fmt.Errorf("failed to delete resolved alerts: %w", err)
    }
    return deletedCount, nil
}

// ExpireOverdueActions moves commands and transfers past their deadline
// into the terminal expired state. Only non-terminal rows are touched, so
// a result arriving concurrently either lands first (and the row is then
// terminal and skipped) or finds the row expired and becomes a no-op.
func (s *BoltStore) ExpireOverdueActions(ctx context.Context, now time.Time) (int, error) {
    expiredCount := 0
    now = now.UTC()

    err := s.db.Update(func(tx *bbolt.Tx) error {
        expire := func(b *bbolt.Bucket, kind string) error {
            type row struct {
                key  []byte
                data []byte
            }
            var updates []row

            err := b.ForEach(func(k, v []byte) error {
                // Commands and transfers share the status/deadline shape,
                // decode just what the expiry decision needs.
                var action struct {
                    Status    string     `json:"status"`
                    ExpiresAt *time.Time `json:"expires_at"`
                }
                if err := json.Unmarshal(v, &action); err != nil {
                    return nil
                }
                if TerminalAction(action.Status) {
                    return nil
                }
                if action.ExpiresAt == nil || now.Before(*action.ExpiresAt) {
                    return nil
                }

                var full map[string]interface{}
                if err := json.Unmarshal(v, &full); err != nil {
                    return nil
                }
                full["status"] = ActionExpired
                full["result_at"] = now
                data, err := json.Marshal(full)
                if err != nil {
                    return fmt.Errorf("failed to marshal %s: %w", kind, err)
                }
                updates = append(updates, row{key: copyBytes(k), data: data})
                return nil
            })
            if err != nil {
                return err
            }

            for _, u := range updates {
                if err := b.Put(u.key, u.data); err != nil {
                    return err
                }
                expiredCount++
            }
            return nil
        }

        if err := expire(tx.Bucket(CommandsBucket), "command"); err != nil {
            return err
        }
        return expire(tx.Bucket(TransfersBucket), "transfer")
    })

    if err != nil {
        return 0, fmt.Errorf("failed to expire overdue actions: %w", err)
    }
    return expiredCount, nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
    if b == nil {
        return nil
    }
    copied := make([]byte, len(b))
    copy(copied, b)
    return copied
}
