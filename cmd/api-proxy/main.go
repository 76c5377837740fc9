// Package main is the entry point for api-proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/config"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Parse configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("api-proxy starting",
		"version", version,
		"commit", commit,
		"date", date,
		"management_addr", cfg.Management.Addr(),
		"proxy_addr", cfg.Proxy.Addr(),
		"strategy", cfg.Strategy,
		"keys", len(cfg.Keys),
	)

	a, err := newApp(cfg)
	if err != nil {
		logger.Error("failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	// Set up config watcher if config file is specified
	var cfgWatcher *config.ConfigWatcher
	if cfg.ConfigFile != "" {
		var watcherErr error
		cfgWatcher, watcherErr = config.NewConfigWatcher(cfg.ConfigFile, cfg)
		if watcherErr != nil {
			logger.Error("failed to create config watcher", "error", watcherErr)
		} else {
			cfgWatcher.RegisterCallback(a.applyReload)
			if startErr := cfgWatcher.Start(); startErr != nil {
				logger.Error("failed to start config watcher", "error", startErr)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.start(ctx); err != nil {
		logger.Error("failed to start listeners", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := 0
loop:
	for {
		select {
		case err := <-a.router.Errors():
			logger.Error("listener failed", "error", err)
			exitCode = 1
			break loop
		case sig := <-sigCh:
			// Handle SIGHUP for manual config reload
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reloading configuration")
				if cfgWatcher != nil {
					if reloadErr := cfgWatcher.Reload(); reloadErr != nil {
						logger.Error("config reload failed", "error", reloadErr)
					}
				} else {
					logger.Warn("config reload requested but no config file specified")
				}
				continue
			}

			logger.Info("received shutdown signal", "signal", sig)
			break loop
		}
	}

	// Graceful shutdown
	if cfgWatcher != nil {
		cfgWatcher.Stop()
	}
	cancel()

	if err := a.shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("api-proxy stopped")
	os.Exit(exitCode)
}
