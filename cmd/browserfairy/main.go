// Command browserfairy is a minimal example caller for the monitoring
// engine. Flag parsing, browser-process launching, and daemon/log
// plumbing are external collaborators out of scope for the core
// (spec.md §1, §6); this binary only demonstrates wiring a fixed
// debug endpoint into internal/engine with graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dev-console/browserfairy/internal/config"
	"github.com/dev-console/browserfairy/internal/engine"
	"github.com/dev-console/browserfairy/internal/launcher"
)

func main() {
	var (
		debugEndpoint = flag.String("debug-endpoint", "", "browser debugging websocket URL (e.g. ws://127.0.0.1:9222/devtools/browser/...)")
		dataRoot      = flag.String("data-root", "", "directory under which session_* run directories are created")
		configPath    = flag.String("config", "", "optional YAML config file, overridden by flags")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *debugEndpoint != "" {
		cfg.DebugEndpoint = *debugEndpoint
	}
	if *dataRoot != "" {
		cfg.DataRoot = *dataRoot
	}
	cfg = cfg.WithDefaults()

	if cfg.DebugEndpoint == "" {
		fmt.Fprintln(os.Stderr, "browserfairy: -debug-endpoint is required (browser launching is out of scope for this core)")
		os.Exit(2)
	}

	e := engine.New(cfg, engine.WithLauncher(launcher.Fixed{
		Endpoint: cfg.DebugEndpoint,
		Handle:   launcher.NeverExits{},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "\nbrowserfairy: received signal %v, shutting down...\n", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("engine exited with error", "err", err)
			os.Exit(1)
		}
	}
}
