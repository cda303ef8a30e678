package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/htcbridge/internal/config"
	"github.com/nishisan-dev/htcbridge/internal/htcfs"
	"github.com/nishisan-dev/htcbridge/internal/htclow"
	"github.com/nishisan-dev/htcbridge/internal/htcs"
	"github.com/nishisan-dev/htcbridge/internal/logging"
	"github.com/nishisan-dev/htcbridge/internal/pki"
)

// htcbridgectl dials a running htcbridged's socket carrier and drives a
// handful of HTCFS/HTCS calls end-to-end, for manual verification against
// a real or simulated target. It is not a production client: no retries
// beyond what the monitor already does, no scripting language, just enough
// to prove the wire path works.
func main() {
	configPath := flag.String("config", "/etc/htcbridge/htcbridgectl.yaml", "path to the htcbridgectl config file")
	listPath := flag.String("list", "/", "directory to list over HTCFS")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout for the probe")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tc, err := clientTLSConfig(cfg)
	if err != nil {
		logger.Error("configuring TLS", "error", err)
		os.Exit(1)
	}

	carrier, err := htclow.DialSocketCarrier(ctx, cfg.Server, tc)
	if err != nil {
		logger.Error("dialing target", "error", err)
		os.Exit(1)
	}
	defer carrier.Close()

	manager := htclow.NewManager(carrier, logger, prometheus.NewRegistry(), 16, 1<<20, 1<<20)
	manager.Run(ctx)
	defer manager.Finalize()

	fsClient := htcfs.NewClient(manager, logger, cfg.HTCFS.CompressionModeByte())
	fsClient.Start()
	defer fsClient.Stop()

	socketSvc := htcs.NewService(manager, logger)
	socketSvc.Start()
	defer socketSvc.Stop()

	dirHandle, err := fsClient.OpenDirectory(ctx, *listPath)
	if err != nil {
		logger.Error("opening directory", "path", *listPath, "error", err)
		os.Exit(1)
	}
	defer fsClient.CloseDirectory(ctx, dirHandle)

	entries, err := fsClient.ReadDirectory(ctx, dirHandle, 256)
	if err != nil {
		logger.Error("reading directory", "path", *listPath, "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s (%d entries):\n", *listPath, len(entries))
	for _, e := range entries {
		fmt.Printf("  %-8v %10d  %s\n", e.Type, e.Size, e.Name)
	}
}

func clientTLSConfig(cfg *config.ClientConfig) (*tls.Config, error) {
	if cfg.TLS.CACert == "" {
		return nil, nil
	}
	return pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
}
