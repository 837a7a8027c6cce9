// Porygond -- FTP search engine daemon for private networks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/porygon-dev/porygon/internal/config"
	"github.com/porygon-dev/porygon/internal/daemon"
	porymetrics "github.com/porygon-dev/porygon/internal/metrics"
	"github.com/porygon-dev/porygon/internal/scan"
	"github.com/porygon-dev/porygon/internal/store"
	"github.com/porygon-dev/porygon/internal/store/sqlite"
	appversion "github.com/porygon-dev/porygon/internal/version"
	"github.com/porygon-dev/porygon/internal/web"
)

// shutdownTimeout is the maximum time to wait for the HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("porygond"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("porygond starting",
		slog.String("version", appversion.Version),
		slog.String("network", cfg.Scan.Network),
		slog.String("web_addr", cfg.Web.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Open the store.
	st, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return 1
	}
	defer closeStore(st, logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := porymetrics.NewCollector(reg)

	// 6. Run the daemon and servers.
	if err := runServers(cfg, st, reg, collector, logger, *configPath, logLevel); err != nil {
		logger.Error("porygond exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("porygond stopped")
	return 0
}

// runServers wires the daemon, the search API and the metrics endpoint
// together and runs them under one errgroup until a stop signal arrives.
func runServers(
	cfg *config.Config,
	st store.Store,
	reg *prometheus.Registry,
	collector *porymetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	network, err := cfg.Scan.NetworkPrefix()
	if err != nil {
		return err
	}

	prober := scan.NewProber(cfg.FTP.Port, cfg.FTP.User, cfg.FTP.Passwd, cfg.Scan.Timeout, logger)
	sweeper := scan.NewScanner(prober, cfg.Scan.MaxTasks, logger)

	dmn := daemon.New(daemon.Config{
		Port:           cfg.FTP.Port,
		User:           cfg.FTP.User,
		Passwd:         cfg.FTP.Passwd,
		Network:        network,
		ScanInterval:   cfg.Scan.Interval,
		OfflineDelay:   cfg.Scan.OfflineDelay,
		IndexInterval:  cfg.Index.Interval,
		IndexTimeout:   cfg.Index.Timeout,
		MaxIndexTasks:  cfg.Index.MaxTasks,
		MaxIndexErrors: cfg.Index.MaxErrors,
	}, sweeper, st, logger, daemon.WithReporter(collector))

	webSrv := newWebServer(cfg, st, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dmn.Run(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, webSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)
	startSignalHandler(gCtx, g, cfg.Signals.Soft, cancel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, webSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the search API and metrics server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	webSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("search API listening", slog.String("addr", cfg.Web.Addr))
		return listenAndServe(ctx, &lc, webSrv, cfg.Web.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Soft Signals — graceful stop, hard exit on second delivery
// -------------------------------------------------------------------------

// startSignalHandler registers the soft-signal goroutine. The first
// delivery of a configured signal cancels the root context, starting a
// graceful shutdown; a second delivery exits the process immediately
// without waiting for in-flight walks.
func startSignalHandler(
	ctx context.Context,
	g *errgroup.Group,
	softNames []string,
	cancel context.CancelFunc,
	logger *slog.Logger,
) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, config.SoftSignalList(softNames)...)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping gracefully",
				slog.String("signal", sig.String()),
			)
			cancel()

			// Escalation path. Left running until process exit.
			go func() {
				sig := <-sigCh
				logger.Error("received second signal, exiting immediately",
					slog.String("signal", sig.String()),
				)
				os.Exit(2)
			}()
		case <-ctx.Done():
			signal.Stop(sigCh)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := sddaemon.SdNotify(false, sddaemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the configuration file. Only
// the log level is applied dynamically; cadence and network changes need a
// restart. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and updates
// the dynamic log level. Errors during reload are logged but do not stop
// the daemon; the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the HTTP servers. The daemon
// itself stops via the cancelled context and finishes its in-flight walks
// on its own; the errgroup waits for it.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newWebServer creates the HTTP server for the read-only search API.
func newWebServer(cfg *config.Config, st store.Store, logger *slog.Logger) *http.Server {
	srv := web.New(st, cfg.FTP.Port, logger)
	return &http.Server{
		Addr:              cfg.Web.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Setup Helpers
// -------------------------------------------------------------------------

// openStore opens the configured persistence backend.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.Open(context.Background(), cfg.ScanDB, cfg.IndexDB)
	default:
		return nil, fmt.Errorf("store backend %q: %w", cfg.Backend, config.ErrUnknownBackend)
	}
}

// closeStore closes the store, logging any error.
func closeStore(st store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
