// internal/auth/auth.go - Agent credential verification
package auth

import (
    "context"
    "crypto/rand"
    "crypto/sha256"
    "crypto/subtle"
    "encoding/hex"
    "errors"
    "fmt"
    "time"

    "github.com/sirupsen/logrus"

    "fleetd/internal/database"
)

// Denial reasons. Handlers log the reason but return a uniform 401 body so
// callers cannot probe which keys exist.
const (
    ReasonMissing    = "missing_key"
    ReasonUnknown    = "unknown_key"
    ReasonRevoked    = "revoked_key"
    ReasonExpired    = "expired_key"
    ReasonWrongAgent = "agent_not_bound"
)

// Error is an authentication denial.
type Error struct {
    Reason string
}

func (e *Error) Error() string {
    return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// IsAuthError reports whether err is an authentication denial and, if so,
// returns it.
func IsAuthError(err error) (*Error, bool) {
    var authErr *Error
    if errors.As(err, &authErr) {
        return authErr, true
    }
    return nil, false
}

// HashKey computes the stored digest for a raw key under the given salt.
func HashKey(salt, raw string) string {
    sum := sha256.Sum256([]byte(salt + ":" + raw))
    return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new raw credential and its salt. Only the raw key is
// shown to the operator once; the store keeps the salt and digest.
func GenerateKey() (raw, salt string, err error) {
    buf := make([]byte, 32)
    if _, err := rand.Read(buf); err != nil {
        return "", "", fmt.Errorf("failed to generate key material: %w", err)
    }
    raw = hex.EncodeToString(buf)

    saltBuf := make([]byte, 16)
    if _, err := rand.Read(saltBuf); err != nil {
        return "", "", fmt.Errorf("failed to generate salt: %w", err)
    }
    return raw, hex.EncodeToString(saltBuf), nil
}

// Gate verifies agent credentials against the key store.
type Gate struct {
    store database.Store
}

func NewGate(store database.Store) *Gate {
    return &Gate{store: store}
}

// Verify checks a raw key presented by agentID and returns the matching
// credential. Every failure is an *Error with a denial reason; storage
// failures pass through unchanged.
func (g *Gate) Verify(ctx context.Context, rawKey, agentID string) (*database.ApiKey, error) {
    if rawKey == "" || agentID == "" {
        return nil, &Error{Reason: ReasonMissing}
    }

    keys, err := g.store.GetApiKeys(ctx)
    if err != nil {
        return nil, fmt.Errorf("failed to load api keys: %w", err)
    }

    now := time.Now().UTC()
    for i := range keys {
        key := &keys[i]
        digest := HashKey(key.Salt, rawKey)
        if subtle.ConstantTimeCompare([]byte(digest), []byte(key.KeyHash)) != 1 {
            continue
        }

        if !key.Active {
            return nil, &Error{Reason: ReasonRevoked}
        }
        if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
            return nil, &Error{Reason: ReasonExpired}
        }
        if !keyCoversAgent(key, agentID) {
            return nil, &Error{Reason: ReasonWrongAgent}
        }

        if err := g.store.TouchApiKey(ctx, key.ID, now); err != nil {
            // Last-used bookkeeping must not block ingestion.
            logrus.WithError(err).WithField("key_id", key.ID).Warn("Failed to touch api key")
        }
        return key, nil
    }

    return nil, &Error{Reason: ReasonUnknown}
}

// keyCoversAgent: an empty binding list means the key is fleet-wide.
func keyCoversAgent(key *database.ApiKey, agentID string) bool {
    if len(key.AgentIDs) == 0 {
        return true
    }
    for _, id := range key.AgentIDs {
        if id == agentID {
            return true
        }
    }
    return false
}
