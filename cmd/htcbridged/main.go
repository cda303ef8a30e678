package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/htcbridge/internal/config"
	"github.com/nishisan-dev/htcbridge/internal/daemon"
	"github.com/nishisan-dev/htcbridge/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/htcbridge/htcbridged.yaml", "path to the htcbridged config file")
	flag.Parse()

	cfg, err := config.LoadBridgeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := daemon.Run(ctx, cfg, logger); err != nil {
		logger.Error("htcbridged exited with error", "error", err)
		os.Exit(1)
	}
}
