// internal/database/boltstore_admin.go - API keys, module settings, stats
package database

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "sort"
    "time"

    "github.com/google/uuid"
    "go.etcd.io/bbolt"
)

func (s *BoltStore) CreateApiKey(ctx context.Context, key *ApiKey) error {
    if key.ID == "" {
        key.ID = uuid.New().String()
    }
    if key.CreatedAt.IsZero() {
        key.CreatedAt = time.Now().UTC()
    }

    return s.db.Update(func(tx *bbolt.Tx) error {
        data, err := json.Marshal(key)
        if err != nil {
            return fmt.Errorf("failed to marshal api key: %w", err)
        }
        return tx.Bucket(ApiKeysBucket).Put([]byte(key.ID), data)
    })
}

func (s *BoltStore) GetApiKeys(ctx context.Context) ([]ApiKey, error) {
    var keys []ApiKey

    err := s.db.View(func(tx *bbolt.Tx) error {
        return tx.Bucket(ApiKeysBucket).ForEach(func(k, v []byte) error {
            var key ApiKey
            if err := json.Unmarshal(v, &key); err != nil {
                return fmt.Errorf("failed to unmarshal api key %s: %w", k, err)
            }
            keys = append(keys, key)
            return nil
        })
    })
    if err != nil {
        return nil, err
    }

    sort.Slice(keys, func(i, j int) bool {
        return keys[i].CreatedAt.Before(keys[j].CreatedAt)
    })
    return keys, nil
}

func (s *BoltStore) UpdateApiKey(ctx context.Context, key *ApiKey) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(ApiKeysBucket)
        if b.Get([]byte(key.ID)) == nil {
            return fmt.Errorf("api key %s: %w", key.ID, ErrNotFound)
        }
        data, err := json.Marshal(key)
        if err != nil {
            return fmt.Errorf("failed to marshal api key: %w", err)
        }
        return b.Put([]byte(key.ID), data)
    })
}

func (s *BoltStore) DeleteApiKey(ctx context.Context, id string) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(ApiKeysBucket)
        if b.Get([]byte(id)) == nil {
            return fmt.Errorf("api key %s: %w", id, ErrNotFound)
        }
        return b.Delete([]byte(id))
    })
}

// TouchApiKey advances the credential's last-used timestamp.
func (s *BoltStore) TouchApiKey(ctx context.Context, id string, at time.Time) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(ApiKeysBucket)
        v := b.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("api key %s: %w", id, ErrNotFound)
        }

        var key ApiKey
        if err := json.Unmarshal(v, &key); err != nil {
            return fmt.Errorf("failed to unmarshal api key: %w", err)
        }
        at = at.UTC()
        key.LastUsedAt = &at

        data, err := json.Marshal(&key)
        if err != nil {
            return fmt.Errorf("failed to marshal api key: %w", err)
        }
        return b.Put([]byte(id), data)
    })
}

// GetSettings returns the persisted module settings, seeding the defaults
// on first access so callers always get a complete row.
func (s *BoltStore) GetSettings(ctx context.Context) (*Settings, error) {
    var settings *Settings

    err := s.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(SettingsBucket)
        v := b.Get(settingsKey)
        if v == nil {
            settings = DefaultSettings()
            settings.UpdatedAt = time.Now().UTC()
            data, err := json.Marshal(settings)
            if err != nil {
                return fmt.Errorf("failed to marshal settings: %w", err)
            }
            return b.Put(settingsKey, data)
        }

        settings = &Settings{}
        return json.Unmarshal(v, settings)
    })

    if err != nil {
        return nil, err
    }
    return settings, nil
}

func (s *BoltStore) SaveSettings(ctx context.Context, settings *Settings) error {
    settings.UpdatedAt = time.Now().UTC()

    return s.db.Update(func(tx *bbolt.Tx) error {
        data, err := json.Marshal(settings)
        if err != nil {
            return fmt.Errorf("failed to marshal settings: %w", err)
        }
        return tx.Bucket(SettingsBucket).Put(settingsKey, data)
    })
}

func (s *BoltStore) GetStats(ctx context.Context) (*StoreStats, error) {
    stats := &StoreStats{}

    err := s.db.View(func(tx *bbolt.Tx) error {
        stats.Hosts = tx.Bucket(HostsBucket).Stats().KeyN
        stats.Messages = tx.Bucket(MessagesBucket).Stats().KeyN
        stats.Screenshots = tx.Bucket(ScreenshotsBucket).Stats().KeyN
        stats.OpenAlerts = tx.Bucket(OpenAlertsBucket).Stats().KeyN
        stats.TotalAlerts = tx.Bucket(AlertsBucket).Stats().KeyN
        stats.Commands = tx.Bucket(CommandsBucket).Stats().KeyN
        stats.Transfers = tx.Bucket(TransfersBucket).Stats().KeyN

        cursor := tx.Bucket(MessagesBucket).Cursor()
        if _, v := cursor.First(); v != nil {
            var msg Message
            if err := json.Unmarshal(v, &msg); err == nil {
                stats.OldestMessage = msg.CapturedAt
            }
        }
        if _, v := cursor.Last(); v != nil {
            var msg Message
            if err := json.Unmarshal(v, &msg); err == nil {
                stats.NewestMessage = msg.CapturedAt
            }
        }
        return nil
    })
    if err != nil {
        return nil, fmt.Errorf("failed to get store stats: %w", err)
    }

    if fileInfo, err := os.Stat(s.path); err == nil {
        stats.DatabaseSize = fileInfo.Size()
    }
    return stats, nil
}
