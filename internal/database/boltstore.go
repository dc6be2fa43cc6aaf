// internal/database/boltstore.go - BoltDB implementation of the fleet store
package database

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    "go.etcd.io/bbolt"
)

var (
    HostsBucket       = []byte("hosts")
    MessagesBucket    = []byte("messages")
    LatestStateBucket = []byte("latest_state")
    ScreenshotsBucket = []byte("screenshots")
    AlertsBucket      = []byte("alerts")
    OpenAlertsBucket  = []byte("open_alerts")
    CommandsBucket    = []byte("commands")
    TransfersBucket   = []byte("transfers")
    ApiKeysBucket     = []byte("api_keys")
    SettingsBucket    = []byte("settings")
    MetaBucket        = []byte("meta")
)

var settingsKey = []byte("module")

type BoltStore struct {
    db   *bbolt.DB
    path string
}

func NewBoltStore(path string) (Store, error) {
    // Create directory if it doesn't exist
    if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
        return nil, fmt.Errorf("failed to create data directory: %w", err)
    }

    db, err := bbolt.Open(path, 0600, &bbolt.Options{
        Timeout: 1 * time.Second,
    })
    if err != nil {
        return nil, fmt.Errorf("failed to open BoltDB: %w", err)
    }

    store := &BoltStore{db: db, path: path}

    if err := store.initBuckets(); err != nil {
        db.Close()
        return nil, fmt.Errorf("failed to initialize buckets: %w", err)
    }

    return store, nil
}

func (s *BoltStore) initBuckets() error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        buckets := [][]byte{
            HostsBucket, MessagesBucket, LatestStateBucket, ScreenshotsBucket,
            AlertsBucket, OpenAlertsBucket, CommandsBucket, TransfersBucket,
            ApiKeysBucket, SettingsBucket, MetaBucket,
        }
        for _, bucket := range buckets {
            if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
                return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
            }
        }
        return nil
    })
}

func (s *BoltStore) Close() error {
    return s.db.Close()
}

// encodeKeyPart escapes the colon delimiter (and the escape byte itself)
// so composite keys built from caller-supplied ids cannot collide across
// segments.
func encodeKeyPart(s string) string {
    s = strings.ReplaceAll(s, "%", "%25")
    return strings.ReplaceAll(s, ":", "%3A")
}

// messageKey orders messages by agent, then capture timestamp, then the
// sequence number assigned at append time. UnixNano is zero-padded so that
// lexicographic bucket order matches chronological order.
func messageKey(agentID string, capturedAt time.Time, seq uint64) []byte {
    return []byte(fmt.Sprintf("%s:%020d:%012d", encodeKeyPart(agentID), capturedAt.UTC().UnixNano(), seq))
}

func messagePrefix(agentID string) []byte {
    return []byte(encodeKeyPart(agentID) + ":")
}

func openAlertKey(agentID, rule string) []byte {
    return []byte(fmt.Sprintf("%s:%s", encodeKeyPart(agentID), encodeKeyPart(rule)))
}

func (s *BoltStore) GetHosts(ctx context.Context, filters HostFilters) ([]Host, error) {
    var hosts []Host

    err := s.db.View(func(tx *bbolt.Tx) error {
        b := tx.Bucket(HostsBucket)
        return b.ForEach(func(k, v []byte) error {
            var host Host
            if err := json.Unmarshal(v, &host); err != nil {
                return fmt.Errorf("failed to unmarshal host %s: %w", k, err)
            }

            if filters.Inactive != nil && host.Inactive != *filters.Inactive {
                return nil
            }
            if filters.Search != "" {
                needle := strings.ToLower(filters.Search)
                if !strings.Contains(strings.ToLower(host.AgentID), needle) &&
                    !strings.Contains(strings.ToLower(host.DisplayName), needle) &&
                    !strings.Contains(strings.ToLower(host.Location), needle) {
                    return nil
                }
            }

            hosts = append(hosts, host)
            return nil
        })
    })

    return hosts, err
}

func (s *BoltStore) GetHost(ctx context.Context, agentID string) (*Host, error) {
    var host Host

    err := s.db.View(func(tx *bbolt.Tx) error {
        v := tx.Bucket(HostsBucket).Get([]byte(agentID))
        if v == nil {
            return fmt.Errorf("host %s: %w", agentID, ErrNotFound)
        }
        return json.Unmarshal(v, &host)
    })

    if err != nil {
        return nil, err
    }
    return &host, nil
}

// EnsureHost registers an unknown agent on first contact and advances the
// last-seen timestamp on every later one. Returns the host and whether it
// was created by this call.
func (s *BoltStore) EnsureHost(ctx context.Context, agentID string, seenAt time.Time) (*Host, bool, error) {
    var host Host
    created := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(HostsBucket)
        v := b.Get([]byte(agentID))
        if v == nil {
            created = true
            host = Host{
                AgentID:      agentID,
                DisplayName:  agentID,
                RegisteredAt: seenAt.UTC(),
                LastSeenAt:   seenAt.UTC(),
                UpdatedAt:    seenAt.UTC(),
            }
        } else {
            if err := json.Unmarshal(v, &host); err != nil {
                return fmt.Errorf("failed to unmarshal host %s: %w", agentID, err)
            }
            if seenAt.After(host.LastSeenAt) {
                host.LastSeenAt = seenAt.UTC()
            }
            host.UpdatedAt = time.Now().UTC()
        }

        data, err := json.Marshal(&host)
        if err != nil {
            return fmt.Errorf("failed to marshal host: %w", err)
        }
        return b.Put([]byte(agentID), data)
    })

    if err != nil {
        return nil, false, err
    }
    return &host, created, nil
}

func (s *BoltStore) UpdateHost(ctx context.Context, host *Host) error {
    host.UpdatedAt = time.Now().UTC()

    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(HostsBucket)
        if b.Get([]byte(host.AgentID)) == nil {
            return fmt.Errorf("host %s: %w", host.AgentID, ErrNotFound)
        }

        data, err := json.Marshal(host)
        if err != nil {
            return fmt.Errorf("failed to marshal host: %w", err)
        }
        return b.Put([]byte(host.AgentID), data)
    })
}

// AppendMessage persists one telemetry record. The sequence number comes
// from the bucket's monotonic counter, so ties on captured_at keep their
// arrival order.
func (s *BoltStore) AppendMessage(ctx context.Context, msg *Message) error {
    if msg.ID == "" {
        msg.ID = uuid.New().String()
    }
    if msg.ReceivedAt.IsZero() {
        msg.ReceivedAt = time.Now().UTC()
    }

    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(MessagesBucket)

        seq, err := b.NextSequence()
        if err != nil {
            return fmt.Errorf("failed to allocate message sequence: %w", err)
        }
        msg.Seq = seq

        data, err := json.Marshal(msg)
        if err != nil {
            return fmt.Errorf("failed to marshal message: %w", err)
        }
        return b.Put(messageKey(msg.AgentID, msg.CapturedAt, msg.Seq), data)
    })
}

func (s *BoltStore) GetMessages(ctx context.Context, filters MessageFilters) ([]Message, error) {
    var messages []Message

    err := s.db.View(func(tx *bbolt.Tx) error {
        b := tx.Bucket(MessagesBucket)
        c := b.Cursor()

        scan := func(k, v []byte) error {
            var msg Message
            if err := json.Unmarshal(v, &msg); err != nil {
                return nil // Skip malformed entries
            }
            if !matchMessage(&msg, filters) {
                return nil
            }
            messages = append(messages, msg)
            return nil
        }

        if filters.AgentID != "" {
            prefix := messagePrefix(filters.AgentID)
            for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
                if err := scan(k, v); err != nil {
                    return err
                }
            }
            return nil
        }

        for k, v := c.First(); k != nil; k, v = c.Next() {
            if err := scan(k, v); err != nil {
                return err
            }
        }
        return nil
    })
    if err != nil {
        return nil, err
    }

    // Newest first, like the host detail view expects.
    sort.Slice(messages, func(i, j int) bool {
        if messages[i].CapturedAt.Equal(messages[j].CapturedAt) {
            return messages[i].Seq > messages[j].Seq
        }
        return messages[i].CapturedAt.After(messages[j].CapturedAt)
    })

    if filters.Offset > 0 {
        if filters.Offset >= len(messages) {
            return []Message{}, nil
        }
        messages = messages[filters.Offset:]
    }
    if filters.Limit > 0 && len(messages) > filters.Limit {
        messages = messages[:filters.Limit]
    }
    return messages, nil
}

func matchMessage(msg *Message, filters MessageFilters) bool {
    if filters.Category != "" && msg.Category != filters.Category {
        return false
    }
    if filters.Subtype != "" && msg.Subtype != filters.Subtype {
        return false
    }
    if filters.Level != "" && msg.Level != filters.Level {
        return false
    }
    if filters.Since != nil && msg.CapturedAt.Before(*filters.Since) {
        return false
    }
    if filters.Until != nil && msg.CapturedAt.After(*filters.Until) {
        return false
    }
    if filters.Search != "" {
        needle := strings.ToLower(filters.Search)
        if !strings.Contains(strings.ToLower(string(msg.Payload)), needle) &&
            !strings.Contains(strings.ToLower(msg.Subtype), needle) &&
            !strings.Contains(strings.ToLower(msg.Category), needle) {
            return false
        }
    }
    return true
}

func (s *BoltStore) CountMessages(ctx context.Context, agentID string) (int, error) {
    count := 0
    err := s.db.View(func(tx *bbolt.Tx) error {
        c := tx.Bucket(MessagesBucket).Cursor()
        prefix := messagePrefix(agentID)
        for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
            count++
        }
        return nil
    })
    return count, err
}

func (s *BoltStore) GetLatestState(ctx context.Context, agentID string) (*LatestState, error) {
    var state LatestState

    err := s.db.View(func(tx *bbolt.Tx) error {
        v := tx.Bucket(LatestStateBucket).Get([]byte(agentID))
        if v == nil {
            return fmt.Errorf("latest state for %s: %w", agentID, ErrNotFound)
        }
        return json.Unmarshal(v, &state)
    })

    if err != nil {
        return nil, err
    }
    return &state, nil
}

// ApplyLatestState installs the snapshot only when its capture timestamp is
// newer than the stored one (or no state exists yet). The compare and the
// write share one update transaction, so out-of-order and duplicate
// deliveries cannot clobber a newer snapshot. Returns whether the snapshot
// was applied.
func (s *BoltStore) ApplyLatestState(ctx context.Context, state *LatestState) (bool, error) {
    applied := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(LatestStateBucket)
        if v := b.Get([]byte(state.AgentID)); v != nil {
            var current LatestState
            if err := json.Unmarshal(v, &current); err != nil {
                return fmt.Errorf("failed to unmarshal latest state: %w", err)
            }
            if !state.CapturedAt.After(current.CapturedAt) {
                return nil // Stale or duplicate snapshot, keep what we have
            }
            if state.ScreenshotID == "" {
                state.ScreenshotID = current.ScreenshotID
            }
        }

        state.UpdatedAt = time.Now().UTC()
        data, err := json.Marshal(state)
        if err != nil {
            return fmt.Errorf("failed to marshal latest state: %w", err)
        }
        if err := b.Put([]byte(state.AgentID), data); err != nil {
            return err
        }
        applied = true
        return nil
    })

    return applied, err
}

func (s *BoltStore) PutScreenshot(ctx context.Context, shot *Screenshot) error {
    if shot.ID == "" {
        shot.ID = uuid.New().String()
    }
    if shot.CreatedAt.IsZero() {
        shot.CreatedAt = time.Now().UTC()
    }
    if shot.MimeType == "" {
        shot.MimeType = "image/jpeg"
    }

    return s.db.Update(func(tx *bbolt.Tx) error {
        data, err := json.Marshal(shot)
        if err != nil {
            return fmt.Errorf("failed to marshal screenshot: %w", err)
        }
        return tx.Bucket(ScreenshotsBucket).Put([]byte(shot.ID), data)
    })
}

func (s *BoltStore) GetScreenshot(ctx context.Context, id string) (*Screenshot, error) {
    var shot Screenshot

    err := s.db.View(func(tx *bbolt.Tx) error {
        v := tx.Bucket(ScreenshotsBucket).Get([]byte(id))
        if v == nil {
            return fmt.Errorf("screenshot %s: %w", id, ErrNotFound)
        }
        return json.Unmarshal(v, &shot)
    })

    if err != nil {
        return nil, err
    }
    return &shot, nil
}
