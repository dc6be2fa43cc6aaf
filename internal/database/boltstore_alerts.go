// internal/database/boltstore_alerts.go - Alert lifecycle operations
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

func (s *BoltStore) GetAlerts(ctx context.Context, filters AlertFilters) ([]Alert, error) {
    var alerts []Alert

    err := s.db.View(func(tx *bbolt.Tx) error {
        return tx.Bucket(AlertsBucket).ForEach(func(k, v []byte) error {
            var alert Alert
            if err := json.Unmarshal(v, &alert); err != nil {
                return nil // Skip malformed entries
            }

            if filters.AgentID != "" && alert.AgentID != filters.AgentID {
                return nil
            }
            if filters.Rule != "" && alert.Rule != filters.Rule {
                return nil
            }
            if filters.Severity != "" && alert.Severity != filters.Severity {
                return nil
            }
            if filters.Open != nil && alert.Open() != *filters.Open {
                return nil
            }

            alerts = append(alerts, alert)
            return nil
        })
    })
    if err != nil {
        return nil, err
    }

    sort.Slice(alerts, func(i, j int) bool {
        return alerts[i].OpenedAt.After(alerts[j].OpenedAt)
    })
    if filters.Limit > 0 && len(alerts) > filters.Limit {
        alerts = alerts[:filters.Limit]
    }
    return alerts, nil
}

// OpenAlert creates an open alert for (agent, rule) unless one already
// exists. The existence check and the insert share one update transaction,
// which is what enforces the unique-open-alert invariant under concurrent
// evaluations. When an open alert already exists its message, severity and
// last-observed value are refreshed instead. Returns whether a new alert
// was created.
func (s *BoltStore) OpenAlert(ctx context.Context, alert *Alert) (bool, error) {
    created := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        open := tx.Bucket(OpenAlertsBucket)
        alerts := tx.Bucket(AlertsBucket)
        indexKey := openAlertKey(alert.AgentID, alert.Rule)

        if existingID := open.Get(indexKey); existingID != nil {
            v := alerts.Get(existingID)
            if v != nil {
                var existing Alert
                if err := json.Unmarshal(v, &existing); err != nil {
                    return fmt.Errorf("failed to unmarshal alert: %w", err)
                }
                existing.Message = alert.Message
                existing.Severity = alert.Severity
                existing.Value = alert.Value
                data, err := json.Marshal(&existing)
                if err != nil {
                    return fmt.Errorf("failed to marshal alert: %w", err)
                }
                *alert = existing
                return alerts.Put(existingID, data)
            }
            // Dangling index entry, fall through and recreate
        }

        if alert.ID == "" {
            alert.ID = uuid.New().String()
        }
        if alert.OpenedAt.IsZero() {
            alert.OpenedAt = time.Now().UTC()
        }
        alert.ResolvedAt = nil

        data, err := json.Marshal(alert)
        if err != nil {
            return fmt.Errorf("failed to marshal alert: %w", err)
        }
        if err := alerts.Put([]byte(alert.ID), data); err != nil {
            return err
        }
        if err := open.Put(indexKey, []byte(alert.ID)); err != nil {
            return err
        }
        created = true
        return nil
    })

    return created, err
}

// ResolveOpenAlert closes the open alert for (agent, rule) if one exists.
// Returns whether an alert was resolved; no open alert is not an error so
// the engine can call this unconditionally on every clean evaluation.
func (s *BoltStore) ResolveOpenAlert(ctx context.Context, agentID, rule string, at time.Time) (bool, error) {
    resolved := false

    err := s.db.Update(func(tx *bbolt.Tx) error {
        open := tx.Bucket(OpenAlertsBucket)
        alerts := tx.Bucket(AlertsBucket)
        indexKey := openAlertKey(agentID, rule)

        id := open.Get(indexKey)
        if id == nil {
            return nil
        }
        v := alerts.Get(id)
        if v == nil {
            return open.Delete(indexKey)
        }

        var alert Alert
        if err := json.Unmarshal(v, &alert); err != nil {
            return fmt.Errorf("failed to unmarshal alert: %w", err)
        }
        at = at.UTC()
        alert.ResolvedAt = &at

        data, err := json.Marshal(&alert)
        if err != nil {
            return fmt.Errorf("failed to marshal alert: %w", err)
        }
        if err := alerts.Put(id, data); err != nil {
            return err
        }
        if err := open.Delete(indexKey); err != nil {
            return err
        }
        resolved = true
        return nil
    })

    return resolved, err
}

// ResolveAlertByID is the operator acknowledgment path. Resolving an
// already-resolved alert is a conflict, reported rather than swallowed.
func (s *BoltStore) ResolveAlertByID(ctx context.Context, id string, at time.Time) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        alerts := tx.Bucket(AlertsBucket)
        v := alerts.Get([]byte(id))
        if v == nil {
            return fmt.Errorf("alert %s: %w", id, ErrNotFound)
        }

        var alert Alert
        if err := json.Unmarshal(v, &alert); err != nil {
            return fmt.Errorf("failed to unmarshal alert: %w", err)
        }
        if !alert.Open() {
            return fmt.Errorf("alert %s already resolved: %w", id, ErrConflict)
        }

        at = at.UTC()
        alert.ResolvedAt = &at
        data, err := json.Marshal(&alert)
        if err != nil {
            return fmt.Errorf("failed to marshal alert: %w", err)
        }
        if err := alerts.Put([]byte(id), data); err != nil {
            return err
        }
        return tx.Bucket(OpenAlertsBucket).Delete(openAlertKey(alert.AgentID, alert.Rule))
    })
}
