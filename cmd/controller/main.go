package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/app"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/config"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/logger"
)

// Build info set at compile time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	// Panic recovery - log crashes and exit gracefully
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n", r)
			fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", debug.Stack())
			os.Exit(2)
		}
	}()

	var (
		configPath  = flag.String("config", "", "path to config file (JSON)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pi-camera-control %s (%s)\n", Version, GitCommit)
		return
	}

	logger.Init()
	log := logger.Default()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("Startup failed", "error", err)
		os.Exit(1)
	}

	log.Info("Starting pi-camera-control",
		"version", Version,
		"commit", GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Controller exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Controller stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
