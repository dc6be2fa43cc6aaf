// internal/auth/auth_test.go
package auth

import (
    "context"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "fleetd/internal/database"
)

func newTestGate(t *testing.T) (*Gate, database.Store) {
    t.Helper()
    store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
    require.NoError(t, err)
    t.Cleanup(func() { store.Close() })
    return NewGate(store), store
}

func mintKey(t *testing.T, store database.Store, mutate func(*database.ApiKey)) (string, *database.ApiKey) {
    t.Helper()
    raw, salt, err := GenerateKey()
    require.NoError(t, err)

    key := &database.ApiKey{
        Name:    "test key",
        KeyHash: HashKey(salt, raw),
        Salt:    salt,
        Active:  true,
    }
    if mutate != nil {
        mutate(key)
    }
    require.NoError(t, store.CreateApiKey(context.Background(), key))
    return raw, key
}

func TestHashKeyIsDeterministicPerSalt(t *testing.T) {
    require.Equal(t, HashKey("s1", "k1"), HashKey("s1", "k1"))
    require.NotEqual(t, HashKey("s1", "k1"), HashKey("s2", "k1"))
    require.NotEqual(t, HashKey("s1", "k1"), HashKey("s1", "k2"))
}

func TestVerifyAcceptsValidKey(t *testing.T) {
    gate, store := newTestGate(t)
    raw, minted := mintKey(t, store, nil)

    key, err := gate.Verify(context.Background(), raw, "wks-001")
    require.NoError(t, err)
    require.Equal(t, minted.ID, key.ID)

    // Last-used bookkeeping is a side effect of verification.
    keys, err := store.GetApiKeys(context.Background())
    require.NoError(t, err)
    require.NotNil(t, keys[0].LastUsedAt)
}

func TestVerifyDenialReasons(t *testing.T) {
    gate, store := newTestGate(t)

    _, err := gate.Verify(context.Background(), "", "wks-001")
    requireDenial(t, err, ReasonMissing)

    _, err = gate.Verify(context.Background(), "no-such-key", "wks-001")
    requireDenial(t, err, ReasonUnknown)

    revokedRaw, _ := mintKey(t, store, func(k *database.ApiKey) { k.Active = false })
    _, err = gate.Verify(context.Background(), revokedRaw, "wks-001")
    requireDenial(t, err, ReasonRevoked)

    expiredRaw, _ := mintKey(t, store, func(k *database.ApiKey) {
        past := time.Now().UTC().Add(-time.Hour)
        k.ExpiresAt = &past
    })
    _, err = gate.Verify(context.Background(), expiredRaw, "wks-001")
    requireDenial(t, err, ReasonExpired)

    boundRaw, _ := mintKey(t, store, func(k *database.ApiKey) { k.AgentIDs = []string{"wks-002"} })
    _, err = gate.Verify(context.Background(), boundRaw, "wks-001")
    requireDenial(t, err, ReasonWrongAgent)

    _, err = gate.Verify(context.Background(), boundRaw, "wks-002")
    require.NoError(t, err)
}

func TestVerifyFleetWideKeyCoversAnyAgent(t *testing.T) {
    gate, store := newTestGate(t)
    raw, _ := mintKey(t, store, nil)

    for _, agent := range []string{"wks-001", "srv-042"} {
        _, err := gate.Verify(context.Background(), raw, agent)
        require.NoError(t, err)
    }
}

func requireDenial(t *testing.T, err error, reason string) {
    t.Helper()
    authErr, ok := IsAuthError(err)
    require.True(t, ok, "expected auth denial, got %v", err)
    require.Equal(t, reason, authErr.Reason)
}
