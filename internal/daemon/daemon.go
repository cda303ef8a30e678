// Package daemon wires together the carrier, the HTCLOW manager, the
// HTCFS/HTCS services, the cheat manager and the optional dashboard into
// the running htcbridged process.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/htcbridge/internal/cheat"
	"github.com/nishisan-dev/htcbridge/internal/config"
	"github.com/nishisan-dev/htcbridge/internal/dashboard"
	"github.com/nishisan-dev/htcbridge/internal/htcfs"
	"github.com/nishisan-dev/htcbridge/internal/htclow"
	"github.com/nishisan-dev/htcbridge/internal/htcs"
	"github.com/nishisan-dev/htcbridge/internal/pki"
	"github.com/nishisan-dev/htcbridge/internal/procdebug"
)

// Run builds and starts every htcbridged component and blocks until ctx is
// cancelled, then tears them back down in reverse order.
func Run(ctx context.Context, cfg *config.BridgeConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()

	carrier, carrierDone, err := buildCarrier(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building carrier: %w", err)
	}

	manager := htclow.NewManager(carrier, logger, reg, cfg.HTCLOW.MaxTasks, cfg.HTCLOW.SendPoolSizeRaw, cfg.HTCLOW.RecvPoolSizeRaw)
	manager.Run(ctx)
	defer manager.Finalize()

	fsClient := htcfs.NewClient(manager, logger, cfg.HTCFS.CompressionModeByte())
	fsClient.Start()
	defer fsClient.Stop()

	socketSvc := htcs.NewService(manager, logger)
	socketSvc.Start()
	defer socketSvc.Stop()

	cheatMetrics := cheat.NewMetrics(reg)
	attachSource := procdebug.NewWatcher(cfg.Cheat.AttachProcessName, cfg.Cheat.AttachTitleIDRaw, cfg.Cheat.AttachPollInterval)
	fileSource := cheat.NewDirCheatFileSource(cfg.Cheat.ContentsRoot)
	cheatMgr := cheat.NewManager(attachSource, fileSource, logger, cheatMetrics)
	cheatMgr.Start(cfg.Cheat.TickInterval, cfg.Cheat.TogglesSyncCron)
	defer cheatMgr.Stop()

	dashSrv, err := startDashboard(ctx, cfg, logger, manager, cheatMgr, reg)
	if err != nil {
		return fmt.Errorf("starting dashboard: %w", err)
	}
	defer dashSrv.shutdown()

	logger.Info("htcbridged running", "carrier_mode", cfg.Carrier.Mode)

	select {
	case <-ctx.Done():
		logger.Info("shutting down htcbridged")
	case err := <-carrierDone:
		if err != nil {
			logger.Error("carrier failed", "error", err)
			return err
		}
	}

	return nil
}

// buildCarrier opens the configured carrier. For the socket carrier, Start
// blocks accepting the first peer, so it runs on its own goroutine and
// reports its outcome on the returned channel; the USB carrier opens
// synchronously and the returned channel never fires.
func buildCarrier(ctx context.Context, cfg *config.BridgeConfig, logger *slog.Logger) (htclow.Carrier, <-chan error, error) {
	done := make(chan error, 1)

	switch cfg.Carrier.Mode {
	case "usb":
		carrier, err := htclow.NewUSBCarrier(cfg.Carrier.USB.VendorID, cfg.Carrier.USB.ProductID, cfg.Carrier.USB.PacketSizeRaw)
		if err != nil {
			return nil, nil, err
		}
		if err := carrier.Open(); err != nil {
			return nil, nil, fmt.Errorf("opening usb carrier: %w", err)
		}
		return carrier, done, nil
	default:
		tc, err := socketTLSConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		carrier := htclow.NewSocketCarrier(cfg.Carrier.Socket.Listen, tc)
		go func() {
			logger.Info("socket carrier waiting for peer", "listen", cfg.Carrier.Socket.Listen)
			done <- carrier.Start(ctx)
		}()
		return carrier, done, nil
	}
}

func socketTLSConfig(cfg *config.BridgeConfig) (*tls.Config, error) {
	if !cfg.Carrier.Socket.TLSEnabled {
		return nil, nil
	}
	return pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
}

type dashboardServer struct {
	srv    *http.Server
	events *dashboard.EventStore
	hist   *dashboard.AttachmentHistoryStore
}

func startDashboard(ctx context.Context, cfg *config.BridgeConfig, logger *slog.Logger, hm *htclow.Manager, cm *cheat.Manager, reg *prometheus.Registry) (*dashboardServer, error) {
	if !cfg.Dashboard.Enabled {
		return &dashboardServer{}, nil
	}

	events, err := dashboard.NewEventStore(cfg.Dashboard.EventsFile, 500, cfg.Dashboard.EventsMaxLines)
	if err != nil {
		return nil, fmt.Errorf("opening dashboard event store: %w", err)
	}

	hist, err := dashboard.NewAttachmentHistoryStore(cfg.Dashboard.AttachmentsFile, 500, cfg.Dashboard.AttachmentsMaxLines)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("opening dashboard attachment history store: %w", err)
	}

	acl := dashboard.NewACL(cfg.Dashboard.ParsedCIDRs)
	handler := dashboard.NewRouter(hm, cm, events, hist, acl, reg)

	srv := &http.Server{
		Addr:         cfg.Dashboard.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.Dashboard.ReadTimeout,
		WriteTimeout: cfg.Dashboard.WriteTimeout,
		IdleTimeout:  cfg.Dashboard.IdleTimeout,
	}

	go func() {
		logger.Info("dashboard listening", "address", cfg.Dashboard.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("dashboard server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return &dashboardServer{srv: srv, events: events, hist: hist}, nil
}

func (d *dashboardServer) shutdown() {
	if d.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.srv.Shutdown(shutdownCtx)
	}
	if d.events != nil {
		d.events.Close()
	}
	if d.hist != nil {
		d.hist.Close()
	}
}
