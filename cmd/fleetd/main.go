package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/sirupsen/logrus"

    "fleetd/internal/alerting"
    "fleetd/internal/auth"
    "fleetd/internal/config"
    "fleetd/internal/database"
    "fleetd/internal/dispatch"
    "fleetd/internal/ingest"
    "fleetd/internal/metrics"
    "fleetd/internal/sweeper"
    "fleetd/internal/web"
)

func main() {
    configFile := flag.String("config", "config.yaml", "Configuration file path")
    version := flag.Bool("version", false, "Show version information")
    flag.Parse()

    if *version {
        fmt.Printf("fleetd v1.0.0\nBuild: %s\n", getBuildInfo())
        os.Exit(0)
    }

    cfg, err := config.Load(*configFile)
    if err != nil {
        logrus.Fatalf("Failed to load config: %v", err)
    }

    setupLogging(cfg.Logging)

    logrus.WithFields(logrus.Fields{
        "config_file": *configFile,
        "port":        cfg.Server.Port,
        "database":    cfg.Database.Path,
    }).Info("Starting fleet telemetry orchestrator")

    store, err := database.NewBoltStore(cfg.Database.Path)
    if err != nil {
        logrus.Fatalf("Failed to initialize database: %v", err)
    }
    defer store.Close()

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    settings, err := database.NewSettingsCache(ctx, store)
    if err != nil {
        logrus.Fatalf("Failed to load module settings: %v", err)
    }

    collector := metrics.NewCollector(store)
    gate := auth.NewGate(store)
    alerts := alerting.NewEngine(store, collector)
    gateway := ingest.NewGateway(store, alerts, settings, collector)

    dispatcher, err := dispatch.NewDispatcher(store, settings, collector, cfg.Uploads.Dir)
    if err != nil {
        logrus.Fatalf("Failed to initialize dispatcher: %v", err)
    }

    sweep := sweeper.New(store, settings, collector, cfg.Database.SweepInterval)
    go sweep.Run(ctx)

    webServer := web.NewServer(cfg, store, gate, gateway, dispatcher, settings, collector)
    go webServer.Start(ctx)

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    sig := <-sigChan
    logrus.WithField("signal", sig).Info("Received shutdown signal")

    cancel()

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer shutdownCancel()
    if err := webServer.Stop(shutdownCtx); err != nil {
        logrus.WithError(err).Warn("Web server shutdown incomplete")
    }
    logrus.Info("Shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
    level, err := logrus.ParseLevel(cfg.Level)
    if err != nil {
        level = logrus.InfoLevel
    }
    logrus.SetLevel(level)

    if cfg.Format == "json" {
        logrus.SetFormatter(&logrus.JSONFormatter{})
    } else {
        logrus.SetFormatter(&logrus.TextFormatter{
            FullTimestamp: true,
        })
    }
}

func getBuildInfo() string {
    return "dev-build"
}
