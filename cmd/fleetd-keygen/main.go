package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/sirupsen/logrus"

    "fleetd/internal/auth"
    "fleetd/internal/database"
)

// fleetd-keygen manages agent credentials directly against the database
// file, for bootstrapping a deployment before the API is reachable.
func main() {
    dbPath := flag.String("db", "./data/fleet.db", "Database file path")
    name := flag.String("name", "", "Key name (required for mint)")
    agents := flag.String("agents", "", "Comma-separated agent IDs the key is bound to (empty = fleet-wide)")
    expires := flag.Duration("expires", 0, "Key lifetime (0 = never expires)")
    revoke := flag.String("revoke", "", "Key ID to revoke instead of minting")
    list := flag.Bool("list", false, "List existing keys")
    flag.Parse()

    store, err := database.NewBoltStore(*dbPath)
    if err != nil {
        logrus.Fatalf("Failed to open database: %v", err)
    }
    defer store.Close()

    ctx := context.Background()

    switch {
    case *list:
        listKeys(ctx, store)
    case *revoke != "":
        revokeKey(ctx, store, *revoke)
    default:
        if *name == "" {
            fmt.Fprintln(os.Stderr, "either -name, -revoke or -list is required")
            flag.Usage()
            os.Exit(2)
        }
        mintKey(ctx, store, *name, *agents, *expires)
    }
}

func mintKey(ctx context.Context, store database.Store, name, agents string, lifetime time.Duration) {
    raw, salt, err := auth.GenerateKey()
    if err != nil {
        logrus.Fatalf("Failed to generate key: %v", err)
    }

    key := &database.ApiKey{
        Name:    name,
        KeyHash: auth.HashKey(salt, raw),
        Salt:    salt,
        Active:  true,
    }
    if agents != "" {
        for _, id := range strings.Split(agents, ",") {
            if id = strings.TrimSpace(id); id != "" {
                key.AgentIDs = append(key.AgentIDs, id)
            }
        }
    }
    if lifetime > 0 {
        exp := time.Now().UTC().Add(lifetime)
        key.ExpiresAt = &exp
    }

    if err := store.CreateApiKey(ctx, key); err != nil {
        logrus.Fatalf("Failed to store key: %v", err)
    }

    fmt.Printf("Key ID:  %s\n", key.ID)
    fmt.Printf("Name:    %s\n", key.Name)
    fmt.Printf("API key: %s\n", raw)
    fmt.Println("Store the API key now; it cannot be recovered later.")
}

func revokeKey(ctx context.Context, store database.Store, id string) {
    keys, err := store.GetApiKeys(ctx)
    if err != nil {
        logrus.Fatalf("Failed to load keys: %v", err)
    }
    for i := range keys {
        if keys[i].ID == id {
            keys[i].Active = false
            if err := store.UpdateApiKey(ctx, &keys[i]); err != nil {
                logrus.Fatalf("Failed to revoke key: %v", err)
            }
            fmt.Printf("Revoked key %s (%s)\n", id, keys[i].Name)
            return
        }
    }
    logrus.Fatalf("Key %s not found", id)
}

func listKeys(ctx context.Context, store database.Store) {
    keys, err := store.GetApiKeys(ctx)
    if err != nil {
        logrus.Fatalf("Failed to load keys: %v", err)
    }
    if len(keys) == 0 {
        fmt.Println("No API keys.")
        return
    }
    for _, key := range keys {
        status := "active"
        if !key.Active {
            status = "revoked"
        }
        scope := "fleet-wide"
        if len(key.AgentIDs) > 0 {
            scope = strings.Join(key.AgentIDs, ",")
        }
        fmt.Printf("%s  %-20s %-8s %s\n", key.ID, key.Name, status, scope)
    }
}
