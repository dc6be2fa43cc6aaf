// internal/database/settings.go - In-process settings snapshot cache
package database

import (
    "context"
    "sync/atomic"
)

// SettingsCache hands out immutable settings snapshots without touching the
// database on every request. Writers persist through the store first, then
// swap the cached pointer; readers must treat the returned value as
// read-only and copy before mutating.
type SettingsCache struct {
    current atomic.Value // *Settings
}

// NewSettingsCache loads the persisted settings and primes the cache.
func NewSettingsCache(ctx context.Context, store Store) (*SettingsCache, error) {
    settings, err := store.GetSettings(ctx)
    if err != nil {
        return nil, err
    }
    c := &SettingsCache{}
    c.current.Store(settings)
    return c, nil
}

// Current returns the active settings snapshot.
func (c *SettingsCache) Current() *Settings {
    return c.current.Load().(*Settings)
}

// Replace persists the new settings and makes them the active snapshot.
func (c *SettingsCache) Replace(ctx context.Context, store Store, settings *Settings) error {
    if err := store.SaveSettings(ctx, settings); err != nil {
        return err
    }
    c.current.Store(settings)
    return nil
}
