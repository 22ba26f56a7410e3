// vigild — local developer-assistant daemon. Watches the workspace, runs
// background agents on events, and maintains the tiered finding context
// store consumed by assistant tooling.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vigil-dev/vigil/pkg/api"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/manager"
	"github.com/vigil-dev/vigil/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("VIGIL_CONFIG_DIR", "."),
		"Directory containing vigil.yaml")
	flag.Parse()

	// Load .env from the config directory before expanding the config.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration. Invalid config is fatal; refusing to start beats
	// running with a half-understood file.
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Enabled {
		slog.Info("Daemon disabled by configuration, exiting")
		return
	}

	// 2. Logging: stderr plus rotated file under the state dir.
	logCloser, err := logging.Setup(cfg.Logging, cfg.StateDir)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	stats := cfg.Stats()
	slog.Info("Starting vigild",
		"version", version.Full(),
		"config_dir", *configDir,
		"state_dir", cfg.StateDir,
		"agents", stats.Agents,
		"watch_paths", stats.WatchPaths)

	// 3. Build the component graph.
	mgr, err := manager.New(cfg)
	if err != nil {
		slog.Error("Failed to build daemon", "error", err)
		os.Exit(1)
	}

	// Concrete agents register here, between construction and start:
	//   a := myagent.New(mgr.Runtime().DepsFor("my-agent"))
	//   mgr.Runtime().Register(a)

	// 4. Start everything in dependency order.
	if err := mgr.Start(ctx); err != nil {
		slog.Error("Failed to start daemon", "error", err)
		os.Exit(1)
	}

	// 5. Control API last; a taken port means another instance owns this
	// workspace.
	server := api.New(cfg.API, mgr)
	if err := server.Start(ctx); err != nil {
		slog.Error("Failed to start control API", "error", err)
		mgr.Stop(ctx)
		os.Exit(1)
	}

	slog.Info("vigild started", "api", cfg.API.ListenAddr)

	// 6. Wait for a shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	// 7. Graceful shutdown: API first (stop accepting control calls), then
	// the component graph in reverse dependency order.
	apiCtx, apiCancel := context.WithTimeout(ctx, 5*time.Second)
	server.Stop(apiCtx)
	apiCancel()

	stopCtx, stopCancel := context.WithTimeout(ctx, cfg.Global.ShutdownGrace+10*time.Second)
	mgr.Stop(stopCtx)
	stopCancel()

	slog.Info("Shutdown complete")
}
